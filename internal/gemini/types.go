package gemini

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type Request struct {
	Contents         []Content        `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
}

// DefaultGenerationConfig is used when no sampling settings are configured.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     0.9,
		TopK:            40,
		TopP:            0.95,
		MaxOutputTokens: 8192,
	}
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func BlobPart(mimeType, base64Data string) Part {
	return Part{InlineData: &InlineData{MimeType: mimeType, Data: base64Data}}
}
