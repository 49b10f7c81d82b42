package app

import (
	"fmt"
	"html/template"
	"strings"
)

// ErrBatchIntegrity signals members of one batch key with differing
// recipients. This is a data-integrity violation: the combiner refuses to
// guess a recipient and the whole batch lands on ERROR.
var ErrBatchIntegrity = fmt.Errorf("all notifications in a batch must have the same recipient")

// EmailItem is one member's contribution to a combined outbound message.
type EmailItem struct {
	Subject string
	Body    string
	To      string
}

var singleEmailTemplate = template.Must(template.New("single").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>{{.Subject}}</title>
</head>
<body>
  <div class="email-container">
    <div class="content">
      {{.Body}}
    </div>
  </div>
</body>
</html>
`))

var batchEmailTemplate = template.Must(template.New("batch").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Notifications</title>
</head>
<body>
  <div class="notification-container">
    <div class="header">
      <h2>You have {{.Count}} new notification{{if gt .Count 1}}s{{end}}</h2>
    </div>
    {{range .Items}}
    <div class="notification-item">
      <h3>{{.Subject}}</h3>
      <div class="notification-content">
        {{.Body}}
      </div>
    </div>
    {{end}}
  </div>
</body>
</html>
`))

// EmailCombiner merges the payloads of one email batch into a single
// outbound (subject, body, recipient) triple.
type EmailCombiner struct{}

func NewEmailCombiner() *EmailCombiner {
	return &EmailCombiner{}
}

// CombineSubjects returns the shared subject unmodified when all items agree,
// and a generic multi-item subject annotated with the count otherwise.
func (c *EmailCombiner) CombineSubjects(items []EmailItem) string {
	if len(items) == 0 {
		return "No notifications"
	}

	unique := make(map[string]struct{}, len(items))
	for _, item := range items {
		unique[item.Subject] = struct{}{}
	}
	if len(unique) == 1 {
		return items[0].Subject
	}
	return fmt.Sprintf("Multiple notifications (%d)", len(items))
}

// CombineBodies renders a single item through the single-item template and
// multiple items through the batch template, in arrival order (oldest first).
func (c *EmailCombiner) CombineBodies(items []EmailItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	var buf strings.Builder
	if len(items) == 1 {
		data := struct {
			Subject string
			Body    template.HTML
		}{items[0].Subject, template.HTML(items[0].Body)}
		if err := singleEmailTemplate.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("failed to render single email template: %w", err)
		}
		return buf.String(), nil
	}

	type entry struct {
		Subject string
		Body    template.HTML
	}
	data := struct {
		Count int
		Items []entry
	}{Count: len(items)}
	for _, item := range items {
		data.Items = append(data.Items, entry{item.Subject, template.HTML(item.Body)})
	}
	if err := batchEmailTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render batch email template: %w", err)
	}
	return buf.String(), nil
}

// ResolveRecipient checks every item shares the same address and returns it.
func (c *EmailCombiner) ResolveRecipient(items []EmailItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("no notifications provided")
	}
	recipient := items[0].To
	for _, item := range items {
		if item.To != recipient {
			return "", ErrBatchIntegrity
		}
	}
	return recipient, nil
}
