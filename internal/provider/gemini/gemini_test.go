package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"cellar/internal/config"
	"cellar/internal/port"
)

func TestGenerationConfig_JSON(t *testing.T) {
	gc := generationConfig(port.CompletionOptions{MaxTokens: 512, Temperature: 0.2, JSONResponse: true})

	assert.Equal(t, "application/json", gc.ResponseMIMEType)
	assert.Equal(t, int32(512), gc.MaxOutputTokens)
	require.NotNil(t, gc.Temperature)
	assert.InDelta(t, 0.2, *gc.Temperature, 1e-6)
	assert.Empty(t, gc.Tools)
}

func TestGenerationConfig_SearchWinsOverJSON(t *testing.T) {
	gc := generationConfig(port.CompletionOptions{JSONResponse: true, EnableSearch: true})

	assert.Empty(t, gc.ResponseMIMEType)
	require.Len(t, gc.Tools, 1)
	assert.NotNil(t, gc.Tools[0].GoogleSearch)
}

func TestBuildContents(t *testing.T) {
	text, err := buildContents(port.CompletionRequest{Prompt: "hello"})
	require.NoError(t, err)
	require.Len(t, text, 1)
	assert.EqualValues(t, genai.RoleUser, text[0].Role)
	assert.Equal(t, "hello", text[0].Parts[0].Text)

	img, err := buildContents(port.CompletionRequest{Prompt: "label", ImageBase64: "aGk=", MimeType: "image/heic"})
	require.NoError(t, err)
	parts := img[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, []byte("hi"), parts[0].InlineData.Data)
	assert.Equal(t, "image/heic", parts[0].InlineData.MIMEType)
	assert.Equal(t, "label", parts[1].Text)

	_, err = buildContents(port.CompletionRequest{Prompt: "x", ImageBase64: "!!"})
	assert.Error(t, err)
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := Factory(&config.ProviderConfig{Provider: "gemini"})
	assert.Error(t, err)
}
