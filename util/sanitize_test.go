package util

import (
	"strings"
	"testing"
)

func TestSanitizeContentStripsScripts(t *testing.T) {
	input := `<p>hello</p><script>alert(1)</script><img src="https://tracker.example/p.png">`
	output := SanitizeContent(input)

	if strings.Contains(output, "script") {
		t.Errorf("Script element survived: %q", output)
	}
	if strings.Contains(output, "tracker.example") {
		t.Errorf("Image src survived: %q", output)
	}
	if !strings.Contains(output, "<p>hello</p>") {
		t.Errorf("Allowed markup was lost: %q", output)
	}
}

func TestSanitizeContentDropsJavascriptURLs(t *testing.T) {
	input := `<a href="javascript:alert(1)">x</a><a href="https://ok.example/">ok</a>`
	output := SanitizeContent(input)

	if strings.Contains(output, "javascript:") {
		t.Errorf("javascript: URL survived: %q", output)
	}
	if !strings.Contains(output, "https://ok.example/") {
		t.Errorf("Legitimate link was lost: %q", output)
	}
}

func TestSanitizeContentKeepsMentionMarkup(t *testing.T) {
	input := `<p><span class="h-card"><a href="https://one.example/@alice" class="u-url mention">@alice</a></span></p>`
	output := SanitizeContent(input)

	if !strings.Contains(output, `href="https://one.example/@alice"`) {
		t.Errorf("Mention link was lost: %q", output)
	}
	if !strings.Contains(output, "class=") {
		t.Errorf("Mention classes were lost: %q", output)
	}
}

func TestSanitizeContentIdempotent(t *testing.T) {
	inputs := []string{
		`<p>plain</p>`,
		`<p>hi</p><script>alert(1)</script>`,
		`<a href="javascript:x">y</a>`,
		`<b>bold</b> &amp; <i>italic</i>`,
	}
	for _, input := range inputs {
		once := SanitizeContent(input)
		twice := SanitizeContent(once)
		if once != twice {
			t.Errorf("Sanitization is not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestStripHTML(t *testing.T) {
	if got := StripHTML(`<b>alice</b> <script>x</script>`); strings.Contains(got, "<") {
		t.Errorf("StripHTML left markup: %q", got)
	}
}
