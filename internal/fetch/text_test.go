package fetch

import (
	"strings"
	"testing"
)

func TestHTMLToText(t *testing.T) {
	html := `<html><head><title>x</title><style>p{color:red}</style></head><body>
<table><tr><td><h1>AI news</h1></td></tr>
<tr><td><p>OpenAI   released <a href="https://openai.com/gpt-5">GPT-5</a>.</p>
<p>Read more<br>below</p></td></tr></table>
<script>track()</script>
<p><a href="mailto:x@example.com">mail us</a></p>
</body></html>`

	text, err := HTMLToText(html)
	if err != nil {
		t.Fatalf("HTMLToText failed: %v", err)
	}

	for _, want := range []string{"AI news", "OpenAI released GPT-5 (https://openai.com/gpt-5).", "Read more\nbelow", "mail us"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in output:\n%s", want, text)
		}
	}
	for _, unwanted := range []string{"track()", "color:red", "mailto:", "\n\n\n"} {
		if strings.Contains(text, unwanted) {
			t.Errorf("Did not expect %q in output:\n%s", unwanted, text)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := CollapseWhitespace("  a \t b  \r\n\n\n\n  c  ")
	if got != "a b\n\nc" {
		t.Errorf("CollapseWhitespace = %q", got)
	}
}
