package render

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type codeView struct {
	Brand   string
	Code    string
	Minutes int
}

func TestRender(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	view := codeView{Brand: "Stock & Co", Code: "123456", Minutes: 10}

	text, err := e.Render("verification_code.txt.tmpl", view)
	require.NoError(t, err)
	require.Contains(t, text, "Your Stock & Co verification code is 123456.")
	require.Contains(t, text, "within 10 minutes")

	html, err := e.Render("verification_code.html.tmpl", view)
	require.NoError(t, err)
	require.Contains(t, html, "Stock &amp; Co")
	require.Contains(t, html, ">123456</div>")

	_, err = e.Render("missing.txt.tmpl", view)
	require.Error(t, err)

	var nilEngine *Engine
	_, err = nilEngine.Render("verification_code.txt.tmpl", view)
	require.Error(t, err)
}
