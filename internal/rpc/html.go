package rpc

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

// The HTML surface is a thin, separable adapter over the same control
// calls, §4.H and §9 Design Notes ("pick any minimal templating facility
// in the target language; it is not on the performance-critical path").
// html/template is the standard library's own answer to that note — no
// third-party templating engine appears anywhere in the example corpus,
// so there is nothing to prefer over it here.
var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>supervisor</title></head><body>
<h1>Process status</h1>
<table border="1">
<tr><th>Name</th><th>State</th><th>Pid</th><th>Actions</th></tr>
{{range .}}
<tr>
<td>{{.Name}}</td><td>{{.State}}</td><td>{{.Pid}}</td>
<td>
<form method="post" action="/control" style="display:inline">
<input type="hidden" name="name" value="{{.Name}}">
<button name="action" value="start">start</button>
<button name="action" value="stop">stop</button>
<button name="action" value="restart">restart</button>
</form>
</td>
</tr>
{{end}}
</table>
</body></html>`))

func (s *Server) handleIndex(c *gin.Context) {
	all := s.sup.All()
	rows := make([]map[string]any, 0, len(all))
	for _, p := range all {
		info := p.Info()
		rows = append(rows, map[string]any{"Name": info.Name, "State": info.State, "Pid": info.Pid})
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	indexTemplate.Execute(c.Writer, rows)
}

// handleControlForm is the HTML surface's POST target: it maps a
// browser-form start/stop/restart action onto the same Process methods
// the RPC handlers above use, then redirects back to the index. Like
// dispatchOne, the actual mutation is posted onto the event loop rather
// than run on this connection's goroutine — Start/Stop/AddWaiter may only
// be called from the loop (process.go's "Must be called from the loop").
func (s *Server) handleControlForm(c *gin.Context) {
	name := c.PostForm("name")
	action := c.PostForm("action")

	s.loop.Post(func() {
		p, ok := s.sup.Get(name)
		if !ok {
			return
		}
		switch action {
		case "start":
			p.Start()
		case "stop":
			p.Stop()
		case "restart":
			p.Stop()
			p.AddWaiter(p.Start)
		}
	})
	c.Redirect(http.StatusSeeOther, "/")
}
