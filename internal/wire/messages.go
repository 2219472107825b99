package wire

import (
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"

	"lanshare/internal/files"
)

type fileDoc struct {
	Type             string `bson:"_t"`
	files.Descriptor `bson:",inline"`
	// Origin is set on download requests to the requester's instance id.
	Origin int32 `bson:"origin,omitempty"`
}

type manifestDoc struct {
	Type   string    `bson:"_t"`
	Origin int32     `bson:"origin"`
	Files  []fileDoc `bson:"files"`
}

// FileRequest asks the owner of a file to start seeding it.
type FileRequest struct {
	File   files.Descriptor
	Origin int32
}

// WriteManifest sends m, or the null object when m is nil.
func WriteManifest(w io.Writer, m *files.Manifest) error {
	if m == nil {
		return WriteFrame(w, nil)
	}
	doc := manifestDoc{Type: TypeManifest, Origin: m.Origin, Files: make([]fileDoc, 0, len(m.Files))}
	for _, d := range m.Files {
		doc.Files = append(doc.Files, fileDoc{Type: TypeFile, Descriptor: d})
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return WriteFrame(w, raw)
}

// ReadManifest reads one manifest through the gate. A nil manifest with a nil
// error is a request for our list.
func ReadManifest(r io.Reader) (*files.Manifest, error) {
	raw, err := ReadFrame(r)
	if err != nil || raw == nil {
		return nil, err
	}
	if err := expect(raw, TypeManifest); err != nil {
		return nil, err
	}
	var doc manifestDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m := &files.Manifest{Origin: doc.Origin, Files: make([]files.Descriptor, 0, len(doc.Files))}
	for _, f := range doc.Files {
		if f.Type != TypeFile {
			return nil, &DisallowedTypeError{Type: f.Type, Path: "$.files", Reason: ReasonUnknownTag}
		}
		m.Files = append(m.Files, f.Descriptor)
	}
	return m, nil
}

func WriteFileRequest(w io.Writer, req FileRequest) error {
	raw, err := bson.Marshal(fileDoc{Type: TypeFile, Descriptor: req.File, Origin: req.Origin})
	if err != nil {
		return fmt.Errorf("encode file request: %w", err)
	}
	return WriteFrame(w, raw)
}

// ReadFileRequest reads one download request through the gate.
func ReadFileRequest(r io.Reader) (FileRequest, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return FileRequest{}, err
	}
	if raw == nil {
		return FileRequest{}, fmt.Errorf("empty file request")
	}
	if err := expect(raw, TypeFile); err != nil {
		return FileRequest{}, err
	}
	var doc fileDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return FileRequest{}, fmt.Errorf("decode file request: %w", err)
	}
	return FileRequest{File: doc.Descriptor, Origin: doc.Origin}, nil
}

func expect(raw []byte, want string) error {
	tag, err := Check(raw)
	if err != nil {
		return err
	}
	if tag != want {
		return &DisallowedTypeError{Type: tag, Path: "$ (want " + want + ")", Reason: ReasonUnknownTag}
	}
	return nil
}
