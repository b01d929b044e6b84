package web

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"

	"github.com/gofiber/fiber/v2"
)

//go:embed index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// PageData parameterises the client page.
type PageData struct {
	Title      string
	AudioPath  string
	SampleRate int
}

// Page is the rendered client page. It is rendered once at startup.
type Page struct {
	body []byte
}

func NewPage(data PageData) (*Page, error) {
	if data.Title == "" {
		data.Title = "Real-Time Voice Transcription"
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render index page: %w", err)
	}
	return &Page{body: buf.Bytes()}, nil
}

// Handler serves the page.
func (p *Page) Handler(c *fiber.Ctx) error {
	c.Type("html", "utf-8")
	return c.Send(p.body)
}
