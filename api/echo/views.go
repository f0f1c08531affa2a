package echo

import "html/template"

// Minimal self-contained views for the terminal pages of the login
// flow. Deployments that want branded pages put a reverse proxy or
// custom handler in front; these keep the flow usable out of the box.
var views = template.Must(template.New("views").Parse(`
{{define "interim"}}<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<p>You are signed in. This window can be closed.</p>
<script>
if (window.opener) { window.opener.postMessage("login:complete", window.location.origin); window.close(); }
</script>
</body>
</html>{{end}}

{{define "verify_email"}}<!DOCTYPE html>
<html>
<head><title>Verify your email</title></head>
<body>
<h1>Verify your email address</h1>
<p>{{.Reason}}</p>
{{if .Email}}<p>We sent a verification link to <strong>{{.Email}}</strong>.</p>{{end}}
{{if .Sub}}
<form method="post" action="{{.ResendPath}}">
<input type="hidden" name="sub" value="{{.Sub}}">
<button type="submit">Resend verification email</button>
</form>
{{end}}
<p><a href="{{.LoginPath}}">Try signing in again</a></p>
</body>
</html>{{end}}

{{define "verify_sent"}}<!DOCTYPE html>
<html>
<head><title>Verification email sent</title></head>
<body>
<h1>Verification email sent</h1>
<p>Check your inbox, then <a href="{{.LoginPath}}">sign in again</a>.</p>
</body>
</html>{{end}}

{{define "login_failed"}}<!DOCTYPE html>
<html>
<head><title>Login failed</title></head>
<body>
<h1>Login failed</h1>
<p>{{.Reason}}</p>
{{if .Code}}<p><code>{{.Code}}</code></p>{{end}}
<p><a href="{{.LoginPath}}">Try again</a></p>
</body>
</html>{{end}}

{{define "logged_out"}}<!DOCTYPE html>
<html>
<head><title>Signed out</title></head>
<body>
<h1>You have been signed out</h1>
<p><a href="{{.LoginPath}}">Sign in again</a></p>
</body>
</html>{{end}}
`))
