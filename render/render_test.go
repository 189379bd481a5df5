package render

import (
	"strings"
	"testing"
)

func TestMarkdownFormatting(t *testing.T) {
	out := string(Markdown("## Possible causes\n\n- **Migraine**\n- Tension headache"))

	for _, want := range []string{"<h2", "<ul>", "<li><strong>Migraine</strong></li>"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output, got %q", want, out)
		}
	}
}

func TestMarkdownStripsScripts(t *testing.T) {
	inputs := []string{
		"<script>alert(1)</script>hello",
		"[click](javascript:alert(1))",
		`<img src=x onerror="alert(1)">`,
	}
	for _, in := range inputs {
		out := strings.ToLower(string(Markdown(in)))
		if strings.Contains(out, "<script") || strings.Contains(out, "javascript:") || strings.Contains(out, "onerror") {
			t.Errorf("Expected unsafe markup removed from %q, got %q", in, out)
		}
	}
}
