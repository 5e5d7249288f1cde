package domain

import (
	"sort"
	"strings"
)

// Format is a canonical CAD file format token
type Format string

const (
	FormatSTEP Format = "step"
	FormatIGES Format = "iges"
	FormatBREP Format = "brep"
	FormatSTL  Format = "stl"
	FormatOBJ  Format = "obj"
	FormatPLY  Format = "ply"
	FormatOFF  Format = "off"
)

// GeometryKind tells how the engine loads or writes a format
type GeometryKind string

const (
	GeometryShape GeometryKind = "shape"
	GeometryMesh  GeometryKind = "mesh"
)

type formatInfo struct {
	kind        GeometryKind
	contentType string
}

var formats = map[Format]formatInfo{
	FormatSTEP: {kind: GeometryShape, contentType: "model/step"},
	FormatIGES: {kind: GeometryShape, contentType: "model/iges"},
	FormatBREP: {kind: GeometryShape, contentType: "model/x-brep"},
	FormatSTL:  {kind: GeometryMesh, contentType: "model/stl"},
	FormatOBJ:  {kind: GeometryMesh, contentType: "model/obj"},
	FormatPLY:  {kind: GeometryMesh, contentType: "model/x-ply"},
	FormatOFF:  {kind: GeometryMesh, contentType: "model/x-off"},
}

var aliases = map[string]Format{
	"stp": FormatSTEP,
	"igs": FormatIGES,
	"brp": FormatBREP,
}

// ParseFormat normalizes a user supplied token ("STP", ".step", "igs") to its
// canonical Format. Unknown tokens return ErrUnknownFormat.
func ParseFormat(token string) (Format, error) {
	t := strings.ToLower(strings.TrimSpace(token))
	t = strings.TrimPrefix(t, ".")
	if t == "" {
		return "", ErrMissingFormat
	}

	if f, ok := aliases[t]; ok {
		return f, nil
	}
	if _, ok := formats[Format(t)]; ok {
		return Format(t), nil
	}
	return "", ErrUnknownFormat
}

// ContentType returns the MIME type served for the format
func (f Format) ContentType() string {
	if info, ok := formats[f]; ok {
		return info.contentType
	}
	return "application/octet-stream"
}

// Kind returns the geometry kind of the format
func (f Format) Kind() GeometryKind {
	return formats[f].kind
}

// Extension returns the file extension, including the leading dot
func (f Format) Extension() string {
	return "." + string(f)
}

func (f Format) String() string {
	return string(f)
}

// SupportedFormats lists every canonical format in a stable order
func SupportedFormats() []Format {
	out := make([]Format, 0, len(formats))
	for f := range formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
