package mail

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"math"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*.html templates/*.txt
var templatesFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/*.txt"))
)

const (
	SubjectVerify  = "Verify your email"
	SubjectWelcome = "Welcome"
)

type otpData struct {
	Name    string
	Code    string
	Minutes int
}

type welcomeData struct {
	Name string
}

// OTPMessage renders the verification email carrying code.
func OTPMessage(to, name, code string, ttl time.Duration) (Message, error) {
	data := otpData{Name: name, Code: code, Minutes: int(math.Ceil(ttl.Minutes()))}
	return render(to, SubjectVerify, "otp", data)
}

func WelcomeMessage(to, name string) (Message, error) {
	return render(to, SubjectWelcome, "welcome", welcomeData{Name: name})
}

func render(to, subject, name string, data interface{}) (Message, error) {
	var text, html bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return Message{}, err
	}
	if err := htmlTemplates.ExecuteTemplate(&html, name+".html", data); err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, Text: text.String(), HTML: html.String()}, nil
}
