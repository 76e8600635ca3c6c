package nn

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/banknote-api/internal/errs"
)

// The full model artifact is a zip archive holding model.json, which describes
// the architecture, and one little-endian float32 blob per parameter.

const (
	FormatName    = "banknote-cnn"
	FormatVersion = 2

	manifestName = "model.json"
)

type manifest struct {
	Format    string         `json:"format"`
	Version   int            `json:"version"`
	ImageSize int            `json:"imageSize"`
	Classes   []string       `json:"classes"`
	Labels    []string       `json:"labels,omitempty"`
	RunID     string         `json:"runID,omitempty"`
	History   []EpochMetrics `json:"history,omitempty"`
	Layers    []LayerSpec    `json:"layers"`
	Params    []paramEntry   `json:"params"`
}

type paramEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	File  string `json:"file"`
}

func paramFile(name string) string {
	return "weights/" + strings.ReplaceAll(name, "/", ".") + ".f32"
}

// Save writes the full model (architecture and weights) to w.
func (m *Model) Save(w io.Writer) error {
	man := manifest{
		Format:    FormatName,
		Version:   FormatVersion,
		ImageSize: m.ImageSize,
		Classes:   m.Classes,
		Labels:    m.Labels,
		RunID:     m.RunID,
		History:   m.History,
	}
	for _, l := range m.Layers {
		man.Layers = append(man.Layers, l.Spec())
	}
	params := m.Params()
	for _, p := range params {
		man.Params = append(man.Params, paramEntry{Name: p.Name, Shape: p.Shape, File: paramFile(p.Name)})
	}

	zw := zip.NewWriter(w)
	mz, err := zw.Create(manifestName)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(mz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(man); err != nil {
		return err
	}
	for i, p := range params {
		pz, err := zw.Create(man.Params[i].File)
		if err != nil {
			return err
		}
		bw := bufio.NewWriter(pz)
		if err := binary.Write(bw, binary.LittleEndian, p.Data()); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return zw.Close()
}

// SaveFile writes the model next to path and renames it into place.
func (m *Model) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := m.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile reads a model written by SaveFile.
func LoadFile(path string) (*Model, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.ArtifactNotFoundError{Path: path, Err: err}
		}
		return nil, &errs.InvalidArtifactError{Path: path, Reason: err.Error()}
	}
	defer zr.Close()
	m, err := load(&zr.Reader)
	if err != nil {
		return nil, &errs.InvalidArtifactError{Path: path, Reason: err.Error()}
	}
	return m, nil
}

// Load reads a model from an in-memory or on-disk zip archive.
func Load(r io.ReaderAt, size int64) (*Model, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	return load(zr)
}

func load(zr *zip.Reader) (*Model, error) {
	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}
	mf, ok := files[manifestName]
	if !ok {
		return nil, fmt.Errorf("missing %s", manifestName)
	}
	man := manifest{}
	if err := readJSON(mf, &man); err != nil {
		return nil, fmt.Errorf("%s: %w", manifestName, err)
	}
	if man.Format != FormatName || man.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported format %s v%d", man.Format, man.Version)
	}

	m, err := fromSpecs(man.ImageSize, man.Classes, man.Layers)
	if err != nil {
		return nil, err
	}
	m.Labels = man.Labels
	m.RunID = man.RunID
	m.History = man.History

	params := m.Params()
	if len(params) != len(man.Params) {
		return nil, fmt.Errorf("architecture has %d parameters, file lists %d", len(params), len(man.Params))
	}
	for i, p := range params {
		entry := man.Params[i]
		if entry.Name != p.Name || !sameShape(entry.Shape, p.Shape) {
			return nil, &errs.ShapeMismatchError{Context: "parameter " + p.Name, Expected: p.Shape, Actual: entry.Shape}
		}
		pf, ok := files[entry.File]
		if !ok {
			return nil, fmt.Errorf("missing weights %s", entry.File)
		}
		if err := readFloats(pf, p.Data()); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.File, err)
		}
	}
	return m, nil
}

func readJSON(f *zip.File, v interface{}) error {
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return json.NewDecoder(r).Decode(v)
}

func readFloats(f *zip.File, dst []float32) error {
	if f.UncompressedSize64 != uint64(len(dst))*4 {
		return fmt.Errorf("expected %d bytes, got %d", len(dst)*4, f.UncompressedSize64)
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return binary.Read(bufio.NewReader(r), binary.LittleEndian, dst)
}
