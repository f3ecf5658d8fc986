package har

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// Export converts exchanges into a HAR archive with entries in chronological order.
// Exchanges that carry a tab context are grouped under a page per tab.
func Export(list []types.CapturedExchange, creator Creator) (*File, error) {
	f := &File{Log: Log{Version: Version, Creator: creator, Entries: make([]Entry, 0, len(list))}}
	pages := map[string]int{}

	sorted := append([]types.CapturedExchange(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	for _, e := range sorted {
		entry, err := exportEntry(e)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", e.ID, err)
		}
		if tc := e.TabContext; tc != nil && tc.TabID != "" {
			id := "tab_" + tc.TabID
			if _, ok := pages[id]; !ok {
				pages[id] = len(f.Log.Pages)
				f.Log.Pages = append(f.Log.Pages, Page{
					StartedDateTime: formatTime(e.Timestamp),
					ID:              id,
					Title:           tc.URL,
					PageTimings:     PageTimings{OnContentLoad: -1, OnLoad: -1},
				})
			}
			entry.Pageref = id
		}
		f.Log.Entries = append(f.Log.Entries, entry)
	}
	return f, nil
}

func exportEntry(e types.CapturedExchange) (Entry, error) {
	entry := Entry{
		StartedDateTime: formatTime(e.Timestamp),
		Time:            float64(e.ResponseTime),
		ID:              e.ID,
		ResourceType:    string(e.Kind),
		Error:           e.Error,
		Request: Request{
			Method:      e.Method,
			URL:         e.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []NameValue{},
			Headers:     headerList(e.RequestHeaders),
			QueryString: queryList(e.URL),
			HeadersSize: -1,
			BodySize:    -1,
		},
		Response: Response{
			Status:      e.StatusCode,
			StatusText:  e.StatusText,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []NameValue{},
			Headers:     headerList(e.ResponseHeaders),
			HeadersSize: -1,
			BodySize:    -1,
		},
		Timings: Timings{Send: 0, Wait: float64(e.ResponseTime), Receive: 0},
	}
	if e.TabContext != nil {
		entry.TabID = e.TabContext.TabID
	}

	if e.RequestBody != nil {
		text, err := bodyText(e.RequestBody)
		if err != nil {
			return Entry{}, err
		}
		entry.Request.PostData = &PostData{MimeType: e.RequestContentType(), Text: text, Encoding: harEncoding(e.RequestBodyEncoding)}
		entry.Request.BodySize = len(text)
	}

	text, err := bodyText(e.ResponseBody)
	if err != nil {
		return Entry{}, err
	}
	entry.Response.Content = Content{
		Size:     len(text),
		MimeType: e.ResponseContentType(),
		Text:     text,
		Encoding: harEncoding(e.ResponseBodyEncoding),
	}
	if e.Failed() {
		entry.Response.Status = 0
	}
	return entry, nil
}

func harEncoding(enc string) string {
	if strings.EqualFold(enc, types.EncodingBase64) {
		return "base64"
	}
	return ""
}

// Write encodes exchanges as an indented HAR document.
func Write(w io.Writer, list []types.CapturedExchange, creator Creator) error {
	f, err := Export(list, creator)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}
