package mirror

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// entry is one post as it appears in a mirror feed.
type entry struct {
	GUID        string
	Title       string
	Link        string
	Description string // HTML
	Author      string
	Published   time.Time
}

// parseFeed decodes RSS 2.0 or Atom 1.0, detected from the root element.
// Mirrors serve RSS; Atom shows up behind some reverse proxies.
func parseFeed(data []byte) ([]entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("feed: empty body")
	}
	switch rootElement(trimmed) {
	case "rss":
		return parseRSS(trimmed)
	case "feed":
		return parseAtom(trimmed)
	}
	return nil, fmt.Errorf("feed: unknown format (expected <rss> or <feed>)")
}

func rootElement(data []byte) string {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return strings.ToLower(se.Name.Local)
		}
	}
}

type rssRoot struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []struct {
			GUID        string `xml:"guid"`
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
			Creator     string `xml:"creator"` // dc:creator
			Author      string `xml:"author"`
		} `xml:"item"`
	} `xml:"channel"`
}

func parseRSS(data []byte) ([]entry, error) {
	var root rssRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse rss: %w", err)
	}
	out := make([]entry, 0, len(root.Channel.Items))
	for _, it := range root.Channel.Items {
		author := strings.TrimSpace(it.Creator)
		if author == "" {
			author = strings.TrimSpace(it.Author)
		}
		out = append(out, entry{
			GUID:        strings.TrimSpace(it.GUID),
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Description: strings.TrimSpace(it.Description),
			Author:      author,
			Published:   parseDate(it.PubDate),
		})
	}
	return out, nil
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomRoot struct {
	XMLName xml.Name `xml:"feed"`
	Entries []struct {
		ID        string     `xml:"id"`
		Title     string     `xml:"title"`
		Links     []atomLink `xml:"link"`
		Summary   string     `xml:"summary"`
		Content   string     `xml:"content"`
		Published string     `xml:"published"`
		Updated   string     `xml:"updated"`
		Author    struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

func parseAtom(data []byte) ([]entry, error) {
	var root atomRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse atom: %w", err)
	}
	out := make([]entry, 0, len(root.Entries))
	for _, e := range root.Entries {
		desc := strings.TrimSpace(e.Content)
		if desc == "" {
			desc = strings.TrimSpace(e.Summary)
		}
		published := e.Published
		if strings.TrimSpace(published) == "" {
			published = e.Updated
		}
		out = append(out, entry{
			GUID:        strings.TrimSpace(e.ID),
			Title:       strings.TrimSpace(e.Title),
			Link:        alternateLink(e.Links),
			Description: desc,
			Author:      strings.TrimSpace(e.Author.Name),
			Published:   parseDate(published),
		})
	}
	return out, nil
}

func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339Nano,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// parseDate returns the zero time when no layout matches.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
