package idp

import "html/template"

// The hosted pages never echo the submitted email or password back.
var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!doctype html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Title}}</title></head><body>
<h1>{{.Title}}</h1>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
{{if .Unmet}}<ul class="unmet">{{range .Unmet}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}{{end}}

{{define "foot"}}</body></html>
{{end}}

{{define "hidden"}}{{range $k, $v := .Params}}<input type="hidden" name="{{$k}}" value="{{index $v 0}}">
{{end}}{{end}}

{{define "login"}}{{template "head" .}}
<form method="post" action="/login">
{{template "hidden" .}}<label>Email <input type="email" name="email" autocomplete="username" required></label>
<label>Password <input type="password" name="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form>
<p><a href="/signup?{{.Query}}">Sign up</a></p>
{{template "foot" .}}{{end}}

{{define "signup"}}{{template "head" .}}
<form method="post" action="/signup">
{{template "hidden" .}}<label>Email <input type="email" name="email" required></label>
<label>Given name <input type="text" name="given_name"></label>
<label>Password <input type="password" name="password" autocomplete="new-password" required></label>
<button type="submit">Sign up</button>
</form>
{{template "foot" .}}{{end}}

{{define "confirm"}}{{template "head" .}}
<form method="post" action="/confirm">
{{template "hidden" .}}<label>Email <input type="email" name="email" required></label>
<label>Code <input type="text" name="code" inputmode="numeric" required></label>
<button type="submit">Confirm</button>
</form>
{{template "foot" .}}{{end}}

{{define "error"}}{{template "head" .}}{{template "foot" .}}{{end}}
`))

type page struct {
	Title  string
	Error  string
	Notice string
	Unmet  []string
	// Params are the pending authorize parameters carried through forms.
	Params map[string][]string
	Query  template.URL
}
