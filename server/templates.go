package server

import (
	"html/template"
	"net/http"

	"github.com/jnnycn007/moauth/storage"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>moauth</title><link rel="stylesheet" href="/style.css"></head>
<body>
<h1>moauth</h1>
<p>An OAuth 2.0 authorization server and OpenID Connect provider.</p>
<p><a href="/.well-known/oauth-authorization-server">Discovery</a></p>
</body>
</html>
`

const styleCSS = `body {
  font-family: sans-serif;
  margin: 2em auto;
  max-width: 40em;
}
form div {
  margin: 0.5em 0;
}
`

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title><link rel="stylesheet" href="/style.css"></head>
<body>
<h1>Sign in{{if .Client.Name}} to {{.Client.Name}}{{end}}</h1>
{{if .Client.LogoURI}}<img src="{{.Client.LogoURI}}" alt="" height="64">{{end}}
<form method="post" action="/authorize">
<input type="hidden" name="client_id" value="{{.Client.ID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="response_type" value="code">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<div><label>Username <input type="text" name="username" autofocus></label></div>
<div><label>Password <input type="password" name="password"></label></div>
<div><input type="submit" value="Sign in"></div>
</form>
{{if .Client.TOSURI}}<p><a href="{{.Client.TOSURI}}">Terms of service</a></p>{{end}}
</body>
</html>
`))

type loginData struct {
	Client              storage.Client
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func (s *Server) renderLogin(w http.ResponseWriter, data loginData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTmpl.Execute(w, data); err != nil {
		s.logger.Errorf("render login template: %v", err)
	}
}
