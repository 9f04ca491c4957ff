package domain

// Item is the envelope yielded by spider callbacks. Type tags which payload
// fields are meaningful; the item router enforces that Type matches the
// project's declared crawl_type.
type Item struct {
	Type string `json:"type"`

	// Article payload.
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	SourceURL string `json:"source_url,omitempty"`

	// Keywords payload.
	Keywords []string `json:"keywords,omitempty"`

	// Images payload.
	Images []string `json:"images,omitempty"`
}
