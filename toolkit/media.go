package toolkit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/okcvm/okcvm/config"
	"github.com/okcvm/okcvm/external"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// Voice describes one of the fixed synthetic narration presets, grounded on
// tools/media.py's VOICES table.
type Voice struct {
	ID            string
	Name          string
	Description   string
	Language      string
	BaseFrequency float64
}

var voices = map[string]Voice{
	"voice_alloy": {
		ID: "voice_alloy", Name: "Alloy",
		Description: "Balanced voice suited for general narration.", Language: "en-US", BaseFrequency: 160,
	},
	"voice_breeze": {
		ID: "voice_breeze", Name: "Breeze",
		Description: "Soft, airy delivery ideal for storytelling.", Language: "en-GB", BaseFrequency: 180,
	},
	"voice_thunder": {
		ID: "voice_thunder", Name: "Thunder",
		Description: "Deep baritone voice for authoritative statements.", Language: "en-US", BaseFrequency: 110,
	},
}

func (v Voice) serialize() map[string]string {
	return map[string]string{
		"voice_id": v.ID, "name": v.Name, "description": v.Description, "language": v.Language,
	}
}

// hashColour derives a deterministic RGB triple from a prompt, matching
// tools/media.py's _hash_colour (three bytes spaced through a SHA-256
// digest so small prompt changes shift the colour visibly).
func hashColour(prompt string) color.RGBA {
	digest := sha256.Sum256([]byte(prompt))
	return color.RGBA{R: digest[0], G: digest[8], B: digest[16], A: 255}
}

func wrapText(text string, maxChars int) []string {
	words := strings.Fields(text)
	var lines []string
	var current []string
	for _, w := range words {
		current = append(current, w)
		if len(strings.Join(current, " ")) >= maxChars {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}
	if len(lines) == 0 {
		return []string{text}
	}
	return lines
}

// imageFromPrompt renders a deterministic 1024x1024 PNG card: a solid
// hashed-colour background with the prompt text drawn over it using the
// fixed-width basicfont face, matching the spirit of tools/media.py's
// _image_from_prompt without depending on system font files.
func imageFromPrompt(prompt string) ([]byte, error) {
	const size = 1024
	bg := hashColour(prompt)
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	lines := wrapText(prompt, 20)
	if len(lines) > 12 {
		lines = lines[:12]
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
	}
	y := 100
	for _, line := range lines {
		d.Dot = fixed.P(80, y)
		d.DrawString(line)
		y += 24
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeWAV writes 16-bit mono PCM samples (in [-1, 1]) as a WAV file,
// matching tools/media.py's _encode_wav.
func encodeWAV(samples []float64, sampleRate int) []byte {
	numSamples := len(samples)
	dataSize := numSamples * 2
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	byteRate := sampleRate * 2
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.Write(&buf, binary.LittleEndian, int16(s*32767))
	}
	return buf.Bytes()
}

func toneForChar(ch rune, base float64) float64 {
	if ch == ' ' || ch == '\t' || ch == '\n' {
		return 0
	}
	lower := ch
	if lower >= 'A' && lower <= 'Z' {
		lower += 'a' - 'A'
	}
	return base + float64(int(lower)%12)*20
}

// synthSpeech generates a deterministic additive-sine "voice" for text,
// matching tools/media.py's _synth_speech.
func synthSpeech(text string, voice Voice) []byte {
	const sampleRate = 22050
	const durationPerChar = 0.09
	runes := []rune(text)
	total := math.Max(0.5, float64(len(runes))*durationPerChar)
	n := int(float64(sampleRate) * total)
	signal := make([]float64, n)
	t := make([]float64, n)
	for i := range t {
		t[i] = total * float64(i) / float64(n)
	}
	for idx, ch := range runes {
		freq := toneForChar(ch, voice.BaseFrequency)
		if freq == 0 {
			continue
		}
		phase := float64(idx) / float64(len(runes))
		for i := range signal {
			signal[i] += math.Sin(2*math.Pi*freq*t[i] + phase)
		}
	}
	applyEnvelope(signal)
	normalize(signal)
	return encodeWAV(signal, sampleRate)
}

func applyEnvelope(signal []float64) {
	n := len(signal)
	if n == 0 {
		return
	}
	for i := range signal {
		a := float64(i) / float64(n-1)
		b := float64(n-1-i) / float64(n-1)
		env := a
		if b < env {
			env = b
		}
		signal[i] *= env
	}
}

func normalize(signal []float64) {
	var max float64
	for _, s := range signal {
		if math.Abs(s) > max {
			max = math.Abs(s)
		}
	}
	if max == 0 {
		max = 1
	}
	for i := range signal {
		signal[i] /= max
	}
}

// synthEffect generates a deterministic sound effect from a description,
// recognising a handful of descriptive keywords and otherwise falling back
// to seeded noise, matching tools/media.py's _synth_effect.
func synthEffect(description string, duration float64) []byte {
	const sampleRate = 22050
	n := int(sampleRate * duration)
	signal := make([]float64, n)
	t := make([]float64, n)
	for i := range t {
		t[i] = duration * float64(i) / float64(n)
	}

	lower := strings.ToLower(description)
	matched := false
	apply := func(keyword string, fn func(i int, tt float64) float64) {
		if strings.Contains(lower, keyword) {
			for i := range signal {
				signal[i] += fn(i, t[i])
			}
			matched = true
		}
	}
	apply("rain", func(i int, _ float64) float64 { return seededNoise("rain", i) * 0.2 })
	apply("ocean", func(_ int, tt float64) float64 { return math.Sin(2*math.Pi*80*tt) * 0.4 })
	apply("wind", func(i int, _ float64) float64 { return seededNoise("wind", i) * 0.15 })
	apply("beep", func(_ int, tt float64) float64 { return math.Sin(2 * math.Pi * 880 * tt) })
	apply("rumble", func(_ int, tt float64) float64 { return math.Sin(2*math.Pi*45*tt) * 0.6 })

	if !matched {
		seed := fnv.New64a()
		seed.Write([]byte(description))
		for i := range signal {
			signal[i] += seededNoiseSeed(seed.Sum64(), i) * 0.25
		}
	}
	normalize(signal)
	return encodeWAV(signal, sampleRate)
}

// seededNoise derives deterministic pseudo-noise from a fixed string seed
// and sample index, standing in for tools/media.py's seeded numpy RNGs.
func seededNoise(seed string, i int) float64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	return seededNoiseSeed(h.Sum64(), i)
}

func seededNoiseSeed(seed uint64, i int) float64 {
	x := seed ^ uint64(i)*0x9E3779B97F4A7C15
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	// map to roughly [-1, 1]
	return (float64(x%2000001) / 1000000.0) - 1.0
}

// forwardMedia sends payload to the configured endpoint for service, if
// any. It returns (result, true) when an endpoint was configured, whether
// the forward succeeded or not; (zero, false) means the caller should fall
// back to deterministic synthesis (tools/media.py's provider/offline
// split). Provider identity is echoed in the result data, never the key.
func forwardMedia(ctx context.Context, client *external.Client, service string, payload map[string]any) (toolspec.Result, bool) {
	ep := config.Get().Media.ForService(service)
	if ep == nil || client == nil {
		return toolspec.Result{}, false
	}
	payload["model"] = ep.Model
	headers := map[string]string{}
	if ep.APIKey != "" {
		headers["Authorization"] = "Bearer " + ep.APIKey
	}
	body, err := client.PostJSON(ctx, ep.BaseURL, payload, headers)
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("%s endpoint request failed: %v", service, err)), true
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil || data == nil {
		data = map[string]any{"raw": string(body)}
	}
	data["provider"] = ep.Describe()
	return toolspec.Ok(fmt.Sprintf("Generated via configured %s endpoint", service), data), true
}

// GenerateImageTool implements mshtools-generate_image.
type GenerateImageTool struct{ client *external.Client }

// NewGenerateImageTool constructs a GenerateImageTool; client is used to
// forward requests when an image endpoint is configured.
func NewGenerateImageTool(client *external.Client) toolregistry.Tool {
	return GenerateImageTool{client: client}
}

// Call implements toolregistry.Tool.
func (t GenerateImageTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt, _ = args["description"].(string)
	}
	if prompt == "" {
		return toolspec.Fail("'prompt' is required")
	}
	if res, forwarded := forwardMedia(ctx, t.client, "image", map[string]any{"prompt": prompt}); forwarded {
		return res
	}
	data, err := imageFromPrompt(prompt)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return toolspec.Ok("Generated synthetic image", map[string]any{"base64": encoded, "mime": "image/png"})
}

// GetAvailableVoicesTool implements mshtools-get_available_voices.
type GetAvailableVoicesTool struct{}

// NewGetAvailableVoicesTool constructs a GetAvailableVoicesTool.
func NewGetAvailableVoicesTool() toolregistry.Tool { return GetAvailableVoicesTool{} }

// Call implements toolregistry.Tool.
func (GetAvailableVoicesTool) Call(_ context.Context, _ map[string]any) toolspec.Result {
	list := make([]map[string]string, 0, len(voices))
	for _, id := range []string{"voice_alloy", "voice_breeze", "voice_thunder"} {
		list = append(list, voices[id].serialize())
	}
	return toolspec.Ok(fmt.Sprintf("Found %d voices", len(list)), map[string]any{"voices": list})
}

// GenerateSpeechTool implements mshtools-generate_speech.
type GenerateSpeechTool struct{ client *external.Client }

// NewGenerateSpeechTool constructs a GenerateSpeechTool; client is used to
// forward requests when a speech endpoint is configured.
func NewGenerateSpeechTool(client *external.Client) toolregistry.Tool {
	return GenerateSpeechTool{client: client}
}

// Call implements toolregistry.Tool.
func (t GenerateSpeechTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	text, _ := args["text"].(string)
	if text == "" {
		text, _ = args["content"].(string)
	}
	voiceID, _ := args["voice_id"].(string)
	if voiceID == "" {
		voiceID, _ = args["voice"].(string)
	}
	if text == "" {
		return toolspec.Fail("'text' is required")
	}
	if voiceID == "" {
		return toolspec.Fail("'voice_id' is required")
	}
	voice, ok := voices[voiceID]
	if !ok {
		return toolspec.Fail(fmt.Sprintf("unknown voice_id %q", voiceID))
	}
	if res, forwarded := forwardMedia(ctx, t.client, "speech", map[string]any{"text": text, "voice_id": voiceID}); forwarded {
		return res
	}
	audio := synthSpeech(text, voice)
	encoded := base64.StdEncoding.EncodeToString(audio)
	return toolspec.Ok("Generated speech audio", map[string]any{
		"base64": encoded, "mime": "audio/wav", "voice": voice.serialize(),
	})
}

// GenerateSoundEffectsTool implements mshtools-generate_sound_effects.
type GenerateSoundEffectsTool struct{ client *external.Client }

// NewGenerateSoundEffectsTool constructs a GenerateSoundEffectsTool; client
// is used to forward requests when a sound-effects endpoint is configured.
func NewGenerateSoundEffectsTool(client *external.Client) toolregistry.Tool {
	return GenerateSoundEffectsTool{client: client}
}

// Call implements toolregistry.Tool.
func (t GenerateSoundEffectsTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	description, _ := args["description"].(string)
	if description == "" {
		description, _ = args["prompt"].(string)
	}
	if description == "" {
		return toolspec.Fail("'description' is required")
	}
	duration := 3.0
	if d, ok := numeric(args["duration"]); ok {
		duration = d
	}
	if duration < 0.5 || duration > 22.0 {
		return toolspec.Fail("duration must be between 0.5 and 22 seconds")
	}
	if res, forwarded := forwardMedia(ctx, t.client, "sound_effects", map[string]any{"description": description, "duration": duration}); forwarded {
		return res
	}
	audio := synthEffect(description, duration)
	encoded := base64.StdEncoding.EncodeToString(audio)
	return toolspec.Ok("Generated synthetic sound effect", map[string]any{
		"base64": encoded, "mime": "audio/wav", "duration": duration,
	})
}
