package sso

import (
	"html/template"
	"net/http"
)

var errorPage = template.Must(template.New("sso-error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authentication Error</title>
</head>
<body>
<main>
<h1>Authentication Error</h1>
<p>{{.Message}}</p>
<p><a href="{{.HomeURL}}">Go to ReelApps</a></p>
</main>
</body>
</html>
`))

type errorPageData struct {
	Message string
	HomeURL string
}

// renderError writes the SSO error page. It never redirects.
func renderError(w http.ResponseWriter, status int, message, homeURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = errorPage.Execute(w, errorPageData{Message: message, HomeURL: homeURL})
}
