package handler

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/cuongbtq/cad-convertor/internal/domain"
)

const (
	fileField = "file"

	// Room for multipart boundaries, part headers and small form fields
	multipartOverhead = 64 << 10
	maxFieldSize      = 4 << 10
)

// upload is a fully read request body
type upload struct {
	data     []byte
	filename string
	fields   map[string]string
}

func payloadTooLarge(limit int64) error {
	return domain.NewError(domain.KindPayloadTooLarge, fmt.Sprintf("upload exceeds the maximum size of %d bytes", limit), nil)
}

// readUpload reads a multipart or raw upload into memory. No byte beyond
// limit is buffered and nothing is written to disk.
func readUpload(w http.ResponseWriter, r *http.Request, limit int64) (*upload, error) {
	if r.ContentLength > limit+multipartOverhead {
		return nil, payloadTooLarge(limit)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readMultipart(w, r, limit)
	}

	if r.ContentLength > limit {
		return nil, payloadTooLarge(limit)
	}

	data, err := readLimited(r.Body, limit)
	if err != nil {
		return nil, err
	}

	return &upload{
		data:     data,
		filename: dispositionFilename(r.Header.Get("Content-Disposition")),
	}, nil
}

func readMultipart(w http.ResponseWriter, r *http.Request, limit int64) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidInput, "malformed multipart upload", err)
	}

	up := &upload{fields: make(map[string]string)}
	found := false

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyReadError(err, limit)
		}

		name := part.FormName()
		switch {
		case name == fileField && !found:
			up.filename = part.FileName()
			up.data, err = readLimited(part, limit)
			found = true
		case part.FileName() == "":
			err = readField(part, up.fields)
		}
		part.Close()
		if err != nil {
			return nil, err
		}
	}

	if !found {
		return nil, domain.NewError(domain.KindInvalidInput, "multipart upload must include a \"file\" part", nil)
	}
	return up, nil
}

func readField(part *multipart.Part, fields map[string]string) error {
	value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
	if err != nil {
		return domain.NewError(domain.KindInvalidInput, "malformed multipart field", err)
	}
	fields[part.FormName()] = strings.TrimSpace(string(value))
	return nil
}

// readLimited reads at most limit bytes and fails when more are available
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, classifyReadError(err, limit)
	}
	if int64(len(data)) > limit {
		return nil, payloadTooLarge(limit)
	}
	return data, nil
}

func classifyReadError(err error, limit int64) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return payloadTooLarge(limit)
	}
	return domain.NewError(domain.KindInvalidInput, "failed to read upload", err)
}

// dispositionFilename extracts the filename parameter of a Content-Disposition header
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
