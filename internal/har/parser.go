package har

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/reqsniffer/internal/body"
	"github.com/yourorg/reqsniffer/internal/resolve"
	"github.com/yourorg/reqsniffer/pkg/types"
)

// Parse reads a HAR file into exchanges, oldest first.
func Parse(filePath string) ([]types.CapturedExchange, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a HAR document into exchanges, oldest first. Entries without an _id get a
// fresh one; binary media bodies are omitted.
func Read(r io.Reader) ([]types.CapturedExchange, error) {
	var hf File
	if err := json.NewDecoder(r).Decode(&hf); err != nil {
		return nil, fmt.Errorf("decode har: %w", err)
	}
	titles := map[string]string{}
	for _, p := range hf.Log.Pages {
		titles[p.ID] = p.Title
	}

	out := make([]types.CapturedExchange, 0, len(hf.Log.Entries))
	for _, e := range hf.Log.Entries {
		ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
		if err != nil {
			return nil, fmt.Errorf("parse startedDateTime: %w", err)
		}
		res := resolve.Resolve(e.Request.URL, "")

		x := types.CapturedExchange{
			ID:              e.ID,
			Timestamp:       ts.UTC(),
			Method:          strings.ToUpper(e.Request.Method),
			URL:             res.FullURL,
			BaseURL:         res.BaseURL,
			Path:            res.Path,
			OriginalURL:     e.Request.URL,
			Kind:            kindOf(e.ResourceType),
			RequestHeaders:  headerMap(e.Request.Headers),
			StatusCode:      e.Response.Status,
			StatusText:      e.Response.StatusText,
			ResponseHeaders: headerMap(e.Response.Headers),
			ResponseTime:    int64(e.Time),
			Error:           e.Error,
		}
		if x.ID == "" {
			x.ID = fmt.Sprintf("%d-%s", ts.UnixMilli(), uuid.NewString()[:8])
		}
		if e.TabID != "" || e.Pageref != "" {
			x.TabContext = &types.TabContext{TabID: e.TabID, URL: titles[e.Pageref]}
		}
		if pd := e.Request.PostData; pd != nil {
			x.RequestBody, x.RequestBodyEncoding = decodeBody(pd.Text, pd.Encoding, pd.MimeType)
		}
		x.ResponseBody, x.ResponseBodyEncoding = decodeBody(e.Response.Content.Text, e.Response.Content.Encoding, e.Response.Content.MimeType)
		out = append(out, x)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func kindOf(resourceType string) types.Kind {
	if strings.EqualFold(resourceType, string(types.KindXHR)) {
		return types.KindXHR
	}
	return types.KindFetch
}

func headerMap(list []NameValue) map[string]string {
	out := make(map[string]string, len(list))
	for _, h := range list {
		if prev, ok := out[h.Name]; ok {
			out[h.Name] = prev + ", " + h.Value
			continue
		}
		out[h.Name] = h.Value
	}
	return out
}

func decodeBody(text, encoding, mimeType string) (any, string) {
	if text == "" {
		return nil, ""
	}
	if isBinaryContentType(mimeType) {
		return nil, types.EncodingOmitted
	}
	if strings.EqualFold(encoding, "base64") {
		return text, types.EncodingBase64
	}
	if body.IsJSON(mimeType) {
		return body.ParseJSON(text), types.EncodingPlain
	}
	return text, types.EncodingPlain
}

func isBinaryContentType(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	return strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/") || mt == "application/octet-stream"
}
