package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

var (
	confirmationTemplate = template.Must(template.New("confirmation").Parse(`<p>Hello {{.Name}},</p>
<p>You posted a comment on <a href="{{.TargetURL}}">{{.TargetTitle}}</a>.</p>
<p>Please confirm it by following <a href="{{.ConfirmURL}}">this link</a>. Ignore this message if you did not post the comment.</p>`))

	followupTemplate = template.Must(template.New("followup").Parse(`<p>Hello {{.Name}},</p>
<p>{{.Author}} replied in the discussion on <a href="{{.TargetURL}}">{{.TargetTitle}}</a>:</p>
<blockquote>{{.Body}}</blockquote>
<p>You receive this message because you asked to be notified about follow-up comments.</p>`))

	moderationTemplate = template.Must(template.New("moderation").Parse(`<p>A comment by {{.Author}} received {{.Count}} removal suggestions.</p>
<blockquote>{{.Body}}</blockquote>
<p>Comment id: {{.CommentID}}</p>`))
)

func execute(tmpl *template.Template, data interface{}) (string, error) {
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("notify: render %s: %w", tmpl.Name(), err)
	}
	return buffer.String(), nil
}
