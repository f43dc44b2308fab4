// Package artifact holds the naming and merge rules shared by every artifact
// backend.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// Content types used when writing artifacts.
const (
	ResultContentType   = "text/markdown; charset=utf-8"
	MetadataContentType = "application/json"
)

// Files is the minimal object access a backend exposes to Merge.
type Files interface {
	// Read returns ok=false without an error when name does not exist.
	Read(name string) (data []byte, ok bool, err error)
	Write(name string, data []byte) error
	Remove(name string) error
}

// ResultName is the object name of the markdown result for id.
func ResultName(id string) string {
	return id + ".md"
}

// MetadataName is the object name of the sidecar for id.
func MetadataName(id string) string {
	return id + ".json"
}

// MergedID is the combined identifier for a re-run pair.
func MergedID(priorID, currentID string) string {
	return priorID + "_" + currentID
}

// Merge writes <prior>_<current>.md (and .json when sidecars exist) and removes
// the originals. The current result must exist; a missing prior result means the
// current one is simply renamed. When <prior>_<current> already exists from an
// earlier merge of the same pair, the new result is appended to it instead of
// replacing it. It returns the merged result name.
func Merge(priorID, currentID string, files Files) (string, error) {
	mergedID := MergedID(priorID, currentID)

	current, ok, err := files.Read(ResultName(currentID))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", clip.ErrArtifactMergeFailed, ResultName(currentID), err)
	}
	if !ok {
		return "", fmt.Errorf("%w: no result for %s", clip.ErrArtifactMergeFailed, currentID)
	}
	prior, hasPrior, err := files.Read(ResultName(mergedID))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", clip.ErrArtifactMergeFailed, ResultName(mergedID), err)
	}
	if !hasPrior {
		prior, hasPrior, err = files.Read(ResultName(priorID))
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %w", clip.ErrArtifactMergeFailed, ResultName(priorID), err)
		}
	}

	body := current
	if hasPrior {
		var buf bytes.Buffer
		buf.Write(bytes.TrimRight(prior, "\n"))
		fmt.Fprintf(&buf, "\n\n---\n\n## Re-run (message %s)\n\n", currentID)
		buf.Write(current)
		body = buf.Bytes()
	}
	if err := files.Write(ResultName(mergedID), body); err != nil {
		return "", fmt.Errorf("%w: write merged result: %w", clip.ErrArtifactMergeFailed, err)
	}

	sidecars, err := existingSidecars(files, MetadataName(mergedID))
	if err != nil {
		return "", err
	}
	for _, id := range []string{priorID, currentID} {
		data, ok, err := files.Read(MetadataName(id))
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %w", clip.ErrArtifactMergeFailed, MetadataName(id), err)
		}
		if ok && json.Valid(data) {
			sidecars = append(sidecars, json.RawMessage(data))
		}
	}
	if len(sidecars) > 0 {
		payload, err := json.MarshalIndent(sidecars, "", "  ")
		if err != nil {
			return "", fmt.Errorf("%w: marshal sidecars: %w", clip.ErrArtifactMergeFailed, err)
		}
		if err := files.Write(MetadataName(mergedID), payload); err != nil {
			return "", fmt.Errorf("%w: write merged sidecar: %w", clip.ErrArtifactMergeFailed, err)
		}
	}

	for _, name := range []string{
		ResultName(priorID),
		ResultName(currentID),
		MetadataName(priorID),
		MetadataName(currentID),
	} {
		if err := files.Remove(name); err != nil {
			return "", fmt.Errorf("%w: remove %s: %w", clip.ErrArtifactMergeFailed, name, err)
		}
	}
	return ResultName(mergedID), nil
}

// existingSidecars returns the entries of an earlier merged sidecar array.
func existingSidecars(files Files, name string) ([]json.RawMessage, error) {
	data, ok, err := files.Read(name)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", clip.ErrArtifactMergeFailed, name, err)
	}
	if !ok {
		return nil, nil
	}
	var entries []json.RawMessage
	if json.Unmarshal(data, &entries) != nil {
		return nil, nil
	}
	return entries, nil
}
