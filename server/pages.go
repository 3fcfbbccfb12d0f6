package server

import (
	"html/template"
	"net/http"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} · {{.SiteName}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 520px; margin: 60px auto; padding: 0 20px; color: #1a1a1a; line-height: 1.6; }
h1 { font-size: 22px; }
button { background: #1a1a1a; color: #fff; border: 0; border-radius: 6px; padding: 10px 20px; font-size: 15px; cursor: pointer; }
.muted { color: #666; font-size: 14px; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Token}}<form method="post" action="/unsubscribe">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">Unsubscribe</button>
</form>{{end}}
<p class="muted">{{.SiteName}}</p>
</body>
</html>
`))

type page struct {
	Title    string
	Message  string
	Token    string // Renders the unsubscribe form when set
	SiteName string
}

func (s *Server) renderPage(w http.ResponseWriter, status int, p page) {
	p.SiteName = s.siteName
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, p); err != nil {
		s.logger.Error("Failed to render page", "title", p.Title, "error", err)
	}
}
