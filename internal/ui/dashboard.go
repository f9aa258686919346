package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"

	"bookfetch/internal/download"
)

const dashboardHead = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>BookFetch Dashboard</title>
<script src="https://unpkg.com/htmx.org@1.9.12"></script>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#222}
table{border-collapse:collapse;width:100%}
th,td{padding:.4rem .6rem;border-bottom:1px solid #ddd;text-align:left}
.bar{background:#eee;height:.6rem;width:10rem;border-radius:.3rem;overflow:hidden}
.bar>span{display:block;height:100%;background:#4a7}
.bar.indeterminate>span{width:30%;animation:slide 1.2s linear infinite}
@keyframes slide{from{margin-left:-30%}to{margin-left:100%}}
.badge{padding:.1rem .4rem;border-radius:.3rem;font-size:.8rem}
.ok{background:#dfd}.err{background:#fdd}.run{background:#def}
</style>
</head>
<body>
<h1>BookFetch Dashboard</h1>
<form method="post" action="/dashboard/submit">
<input type="url" name="url" placeholder="https://example.com/book.epub" required size="60">
<input type="text" name="title" placeholder="title (optional)">
<button type="submit">Download</button>
</form>
<div id="rows" hx-get="/dashboard/rows" hx-trigger="every 1s" hx-swap="innerHTML">
`

const dashboardTail = `</div>
</body>
</html>
`

// Dashboard renders the full page with the table polled by htmx.
func Dashboard(items []download.Item) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, dashboardHead); err != nil {
			return err
		}
		if err := TransferTable(items).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, dashboardTail)
		return err
	})
}

// TransferTable renders the rows fragment.
func TransferTable(items []download.Item) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		ew := &errWriter{w: w}
		ew.print(`<table><thead><tr><th>ID</th><th>Title</th><th>Progress</th><th>Size</th><th>Status</th><th>Updated</th></tr></thead><tbody>`)
		if len(items) == 0 {
			ew.print(`<tr><td colspan="6">No transfers yet.</td></tr>`)
		}
		for _, it := range items {
			ew.printf(`<tr id="t-%s">`, templ.EscapeString(it.ID))
			ew.printf(`<td title="%s"><code>%s</code></td>`, templ.EscapeString(it.ID), templ.EscapeString(ShortID(it.ID)))
			ew.printf(`<td><a href="%s" title="%s">%s</a></td>`,
				templ.EscapeString(it.URL), templ.EscapeString(it.Destination), templ.EscapeString(DisplayTitle(it)))
			ew.print(progressCell(it))
			ew.printf(`<td>%s</td>`, templ.EscapeString(SizeLabel(it.Bytes, it.Total)))
			status := string(it.State)
			if it.Error != "" {
				ew.printf(`<td><span class="%s" title="%s">%s</span></td>`,
					StateClass(it.State), templ.EscapeString(it.Error), templ.EscapeString(status))
			} else {
				ew.printf(`<td><span class="%s">%s</span></td>`, StateClass(it.State), templ.EscapeString(status))
			}
			ew.printf(`<td>%s</td>`, templ.EscapeString(updatedLabel(it.UpdatedAt)))
			ew.print(`</tr>`)
		}
		ew.print(`</tbody></table>`)
		return ew.err
	})
}

func progressCell(it download.Item) string {
	label := templ.EscapeString(ProgressLabel(it))
	if it.Indeterminate && it.State == download.StateDownloading {
		return fmt.Sprintf(`<td><div class="bar indeterminate"><span></span></div> %s</td>`, label)
	}
	pct := it.Progress
	if it.State == download.StateCompleted {
		pct = 100
	}
	return fmt.Sprintf(`<td><div class="bar"><span style="width:%d%%"></span></div> %s</td>`, pct, label)
}

func updatedLabel(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) print(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
