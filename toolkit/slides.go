package toolkit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// slideContent is the extracted, renderer-agnostic shape of one slide,
// grounded on tools/slides.py's _extract_slide_content.
type slideContent struct {
	Title     string
	Bullets   []string // paragraphs followed by list items, as in the original
	TextBoxes []textBox
}

type textBox struct {
	Text              string
	LeftIn, TopIn      float64
	WidthIn, HeightIn  float64
	FontPt             int
}

// SlidesGeneratorTool implements mshtools-slides_generator: it parses
// Tailwind-flavoured HTML, looks for elements carrying the "ppt-slide"
// class, and emits a minimal but valid .pptx deck, grounded on
// tools/slides.py.
type SlidesGeneratorTool struct {
	// DefaultDir is used to build a default output path when the caller
	// does not supply output_path.
	DefaultDir string
}

// NewSlidesGeneratorTool constructs a SlidesGeneratorTool that writes
// generated decks under defaultDir/generated_slides by default.
func NewSlidesGeneratorTool(defaultDir string) toolregistry.Tool {
	return &SlidesGeneratorTool{DefaultDir: defaultDir}
}

// Call implements toolregistry.Tool.
func (t *SlidesGeneratorTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	rawHTML, _ := args["html"].(string)
	if rawHTML == "" {
		rawHTML, _ = args["content"].(string)
	}
	if rawHTML == "" {
		return toolspec.Fail("'html' is required")
	}

	nodes, err := findPPTSlides(rawHTML)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	if len(nodes) == 0 {
		return toolspec.Fail("No elements with class 'ppt-slide' were found in the HTML")
	}

	slides := make([]slideContent, 0, len(nodes))
	previews := make([]map[string]any, 0, len(nodes))
	for i, n := range nodes {
		sc := extractSlideContent(n, i)
		slides = append(slides, sc)
		outline := append([]string{}, sc.Bullets...)
		previews = append(previews, map[string]any{"title": sc.Title, "bullets": outline})
	}

	outputPath, _ := args["output_path"].(string)
	if outputPath == "" {
		outputPath = t.defaultOutputPath()
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return toolspec.Fail(err.Error())
	}
	if err := writePPTX(outputPath, slides); err != nil {
		return toolspec.Fail(fmt.Sprintf("save slides: %v", err))
	}

	return toolspec.Ok(fmt.Sprintf("Slides saved to %s", outputPath), map[string]any{
		"path": outputPath, "slides": previews,
	})
}

func (t *SlidesGeneratorTool) defaultOutputPath() string {
	dir := t.DefaultDir
	if dir == "" {
		dir = "."
	}
	dir = filepath.Join(dir, "generated_slides")
	name := fmt.Sprintf("slides-%s.pptx", stampNow())
	return filepath.Join(dir, name)
}

// stampNow is isolated so tests can stub deterministic naming if needed; in
// production it is wall-clock time, matching tools/slides.py's timestamped
// default filename.
var stampNow = func() string { return time.Now().UTC().Format("20060102-150405") }

func findPPTSlides(rawHTML string) ([]*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, "ppt-slide") {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func extractSlideContent(n *html.Node, index int) slideContent {
	title := textOfFirst(n, "h1", "h2", "h3")
	if title == "" {
		title = fmt.Sprintf("Slide %d", index+1)
	}
	paragraphs := textOfAll(n, "p")
	listItems := textOfAll(n, "li")

	boxes := []textBox{{Text: title, LeftIn: 0.5, TopIn: 0.3, WidthIn: 9.0, HeightIn: 1.2, FontPt: 40}}
	for i, p := range paragraphs {
		boxes = append(boxes, textBox{
			Text: p, LeftIn: 0.8, TopIn: 1.8 + 0.8*float64(i), WidthIn: 8.5, HeightIn: 0.7, FontPt: 24,
		})
	}
	for i, li := range listItems {
		boxes = append(boxes, textBox{
			Text: "• " + li, LeftIn: 1.0, TopIn: 2.5 + 0.6*float64(i), WidthIn: 8.0, HeightIn: 0.6, FontPt: 22,
		})
	}

	bullets := append([]string{}, paragraphs...)
	bullets = append(bullets, listItems...)
	return slideContent{Title: title, Bullets: bullets, TextBoxes: boxes}
}

func textOfFirst(n *html.Node, tags ...string) string {
	want := map[string]bool{}
	for _, t := range tags {
		want[t] = true
	}
	var found string
	var walk func(*html.Node) bool
	walk = func(node *html.Node) bool {
		if node.Type == html.ElementNode && want[node.Data] {
			found = collectText(node)
			return true
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(n)
	return strings.TrimSpace(found)
}

func textOfAll(n *html.Node, tag string) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == tag {
			if text := strings.TrimSpace(collectText(node)); text != "" {
				out = append(out, text)
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	if n.Type == html.ElementNode && n.Data == tag {
		if text := strings.TrimSpace(collectText(n)); text != "" {
			out = append([]string{text}, out...)
		}
	}
	return out
}

func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// EMU (English Metric Units) per inch, the unit PowerPoint's XML schema
// expresses shape geometry in.
const emuPerInch = 914400

// writePPTX assembles a minimal Office Open XML presentation package: one
// slide per entry in slides, each slide a flat list of text boxes. This is
// a hand-rolled OOXML writer (archive/zip + encoding/xml from the standard
// library) since no ecosystem Go pptx-writing package appears anywhere in
// the example pack.
func writePPTX(path string, slides []slideContent) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	if err := writeZipFile(zw, "[Content_Types].xml", contentTypesXML(len(slides))); err != nil {
		return err
	}
	if err := writeZipFile(zw, "_rels/.rels", rootRelsXML); err != nil {
		return err
	}
	if err := writeZipFile(zw, "docProps/core.xml", docPropsCoreXML); err != nil {
		return err
	}
	if err := writeZipFile(zw, "docProps/app.xml", docPropsAppXML(len(slides))); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/presentation.xml", presentationXML(len(slides))); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/_rels/presentation.xml.rels", presentationRelsXML(len(slides))); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/theme/theme1.xml", themeXML); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/slideMasters/slideMaster1.xml", slideMasterXML); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/slideMasters/_rels/slideMaster1.xml.rels", slideMasterRelsXML); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/slideLayouts/slideLayout1.xml", slideLayoutXML); err != nil {
		return err
	}
	if err := writeZipFile(zw, "ppt/slideLayouts/_rels/slideLayout1.xml.rels", slideLayoutRelsXML); err != nil {
		return err
	}
	for i, slide := range slides {
		name := fmt.Sprintf("ppt/slides/slide%d.xml", i+1)
		if err := writeZipFile(zw, name, slideXML(slide)); err != nil {
			return err
		}
		relsName := fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", i+1)
		if err := writeZipFile(zw, relsName, slideRelsXML); err != nil {
			return err
		}
	}
	return nil
}

func writeZipFile(zw *zip.Writer, name, content string) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

func contentTypesXML(slideCount int) string {
	var overrides strings.Builder
	for i := 1; i <= slideCount; i++ {
		fmt.Fprintf(&overrides, `<Override PartName="/ppt/slides/slide%d.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slide+xml"/>`, i)
	}
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/ppt/presentation.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml"/>
  <Override PartName="/ppt/slideMasters/slideMaster1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideMaster+xml"/>
  <Override PartName="/ppt/slideLayouts/slideLayout1.xml" ContentType="application/vnd.openxmlformats-officedocument.presentationml.slideLayout+xml"/>
  <Override PartName="/ppt/theme/theme1.xml" ContentType="application/vnd.openxmlformats-officedocument.theme+xml"/>
  <Override PartName="/docProps/core.xml" ContentType="application/vnd.openxmlformats-package.core-properties+xml"/>
  <Override PartName="/docProps/app.xml" ContentType="application/vnd.openxmlformats-officedocument.extended-properties+xml"/>` + overrides.String() + `
</Types>`
}

const rootRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="ppt/presentation.xml"/>
  <Relationship Id="rId2" Type="http://schemas.openxmlformats.org/package/2006/relationships/metadata/core-properties" Target="docProps/core.xml"/>
  <Relationship Id="rId3" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/extended-properties" Target="docProps/app.xml"/>
</Relationships>`

const docPropsCoreXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <dc:creator>okcvm</dc:creator>
  <dc:title>Generated presentation</dc:title>
</cp:coreProperties>`

func docPropsAppXML(slideCount int) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Properties xmlns="http://schemas.openxmlformats.org/officeDocument/2006/extended-properties">
  <Application>okcvm</Application>
  <Slides>%d</Slides>
</Properties>`, slideCount)
}

func presentationXML(slideCount int) string {
	var ids strings.Builder
	for i := 1; i <= slideCount; i++ {
		fmt.Fprintf(&ids, `<p:sldId id="%d" r:id="rId%d"/>`, 255+i, i+1)
	}
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:presentation xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:sldMasterIdLst><p:sldMasterId id="2147483648" r:id="rId1"/></p:sldMasterIdLst>
  <p:sldIdLst>` + ids.String() + `</p:sldIdLst>
  <p:sldSz cx="9144000" cy="6858000"/>
  <p:notesSz cx="6858000" cy="9144000"/>
</p:presentation>`
}

func presentationRelsXML(slideCount int) string {
	var rels strings.Builder
	for i := 1; i <= slideCount; i++ {
		fmt.Fprintf(&rels, `<Relationship Id="rId%d" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slide" Target="slides/slide%d.xml"/>`, i+1, i)
	}
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideMaster" Target="slideMasters/slideMaster1.xml"/>` +
		rels.String() + `
</Relationships>`
}

const themeXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<a:theme xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" name="okcvm">
  <a:themeElements>
    <a:clrScheme name="okcvm"><a:dk1><a:sysClr val="windowText" lastClr="000000"/></a:dk1><a:lt1><a:sysClr val="window" lastClr="FFFFFF"/></a:lt1><a:dk2><a:srgbClr val="1F1F1F"/></a:dk2><a:lt2><a:srgbClr val="EEEEEE"/></a:lt2><a:accent1><a:srgbClr val="4472C4"/></a:accent1><a:accent2><a:srgbClr val="ED7D31"/></a:accent2><a:accent3><a:srgbClr val="A5A5A5"/></a:accent3><a:accent4><a:srgbClr val="FFC000"/></a:accent4><a:accent5><a:srgbClr val="5B9BD5"/></a:accent5><a:accent6><a:srgbClr val="70AD47"/></a:accent6><a:hlink><a:srgbClr val="0563C1"/></a:hlink><a:folHlink><a:srgbClr val="954F72"/></a:folHlink></a:clrScheme>
    <a:fontScheme name="okcvm"><a:majorFont><a:latin typeface="Calibri"/></a:majorFont><a:minorFont><a:latin typeface="Calibri"/></a:minorFont></a:fontScheme>
    <a:fmtScheme name="okcvm"><a:fillStyleLst><a:solidFill><a:schemeClr val="accent1"/></a:solidFill><a:solidFill><a:schemeClr val="accent1"/></a:solidFill><a:solidFill><a:schemeClr val="accent1"/></a:solidFill></a:fillStyleLst><a:lnStyleLst><a:ln><a:solidFill><a:schemeClr val="accent1"/></a:solidFill></a:ln><a:ln><a:solidFill><a:schemeClr val="accent1"/></a:solidFill></a:ln><a:ln><a:solidFill><a:schemeClr val="accent1"/></a:solidFill></a:ln></a:lnStyleLst><a:effectStyleLst><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle></a:effectStyleLst><a:bgFillStyleLst><a:solidFill><a:schemeClr val="accent1"/></a:solidFill><a:solidFill><a:schemeClr val="accent1"/></a:solidFill><a:solidFill><a:schemeClr val="accent1"/></a:solidFill></a:bgFillStyleLst></a:fmtScheme>
  </a:themeElements>
</a:theme>`

const slideMasterXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sldMaster xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld><p:spTree><p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/></p:spTree></p:cSld>
  <p:clrMap bg1="lt1" tx1="dk1" bg2="lt2" tx2="dk2" accent1="accent1" accent2="accent2" accent3="accent3" accent4="accent4" accent5="accent5" accent6="accent6" hlink="hlink" folHlink="folHlink"/>
  <p:sldLayoutIdLst><p:sldLayoutId id="2147483649" r:id="rId1"/></p:sldLayoutIdLst>
</p:sldMaster>`

const slideMasterRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideLayout" Target="../slideLayouts/slideLayout1.xml"/>
  <Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/theme" Target="../theme/theme1.xml"/>
</Relationships>`

const slideLayoutXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sldLayout xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" type="blank">
  <p:cSld name="Blank"><p:spTree><p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/></p:spTree></p:cSld>
</p:sldLayout>`

const slideLayoutRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideMaster" Target="../slideMasters/slideMaster1.xml"/>
</Relationships>`

const slideRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideLayout" Target="../slideLayouts/slideLayout1.xml"/>
</Relationships>`

func slideXML(s slideContent) string {
	var shapes strings.Builder
	for i, box := range s.TextBoxes {
		shapes.WriteString(textBoxXML(i+2, box))
	}
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld>
    <p:spTree>
      <p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr>
      <p:grpSpPr/>` + shapes.String() + `
    </p:spTree>
  </p:cSld>
</p:sld>`
}

func textBoxXML(id int, box textBox) string {
	var escaped bytes.Buffer
	xml.EscapeText(&escaped, []byte(box.Text))
	x := int64(box.LeftIn * emuPerInch)
	y := int64(box.TopIn * emuPerInch)
	cx := int64(box.WidthIn * emuPerInch)
	cy := int64(box.HeightIn * emuPerInch)
	fontHundredths := box.FontPt * 100
	return fmt.Sprintf(`
      <p:sp>
        <p:nvSpPr><p:cNvPr id="%d" name="TextBox %d"/><p:cNvSpPr txBox="1"/><p:nvPr/></p:nvSpPr>
        <p:spPr>
          <a:xfrm><a:off x="%d" y="%d"/><a:ext cx="%d" cy="%d"/></a:xfrm>
          <a:prstGeom prst="rect"><a:avLst/></a:prstGeom>
        </p:spPr>
        <p:txBody>
          <a:bodyPr wrap="square"/>
          <a:p><a:r><a:rPr lang="en-US" sz="%d"/><a:t>%s</a:t></a:r></a:p>
        </p:txBody>
      </p:sp>`, id, id, x, y, cx, cy, fontHundredths, escaped.String())
}
