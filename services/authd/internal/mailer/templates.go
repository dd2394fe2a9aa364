package mailer

const (
	codeTextTemplate = "verification_code.txt.tmpl"
	codeHTMLTemplate = "verification_code.html.tmpl"
)

type codeView struct {
	Brand   string
	Code    string
	Minutes int
}
