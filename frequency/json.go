// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package frequency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/google/syzygy-sub005/binmeta"
	"github.com/google/syzygy-sub005/libgrind"
)

// moduleDoc is the serialized form of one module entry. Field order here is
// the field order in the output document.
type moduleDoc struct {
	Metadata    binmeta.Metadata `json:"metadata"`
	Description Description      `json:"description"`
	Frequencies [][]int64        `json:"frequencies"`
}

// WriteJSON serializes the map as a JSON array of module documents,
// modules in canonical identity order and rows in ascending RVA order.
// With pretty set, the output is indented and each module entry is
// preceded by a comment naming the module, for human consumption.
func (m Map) WriteJSON(w io.Writer, pretty bool) error {
	entries := m.sorted()
	if !pretty {
		docs := make([]moduleDoc, 0, len(entries))
		for _, entry := range entries {
			docs = append(docs, moduleDoc{
				Metadata:    entry.Metadata,
				Description: entry.Description,
				Frequencies: entry.rows(),
			})
		}
		enc := json.NewEncoder(w)
		return enc.Encode(docs)
	}

	if _, err := io.WriteString(w, "[\n"); err != nil {
		return err
	}
	for i, entry := range entries {
		sig := entry.Metadata.ModuleSignature
		comment := fmt.Sprintf("  // Frequency data for %q (base 0x%08X).\n",
			sig.Path, uint64(sig.BaseAddress))
		if _, err := io.WriteString(w, comment); err != nil {
			return err
		}
		doc := moduleDoc{
			Metadata:    entry.Metadata,
			Description: entry.Description,
			Frequencies: entry.rows(),
		}
		buf, err := json.MarshalIndent(doc, "  ", "  ")
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, "  "); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
		sep := ",\n"
		if i == len(entries)-1 {
			sep = "\n"
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]\n")
	return err
}

// moduleDocIn mirrors moduleDoc with pointer fields so that missing keys
// are distinguishable from zero values on read. The mirroring extends into
// the metadata sub-document because the module key is derived from it.
type moduleDocIn struct {
	Metadata    *metadataIn      `json:"metadata"`
	Description *descriptionIn   `json:"description"`
	Frequencies *[][]json.Number `json:"frequencies"`
}

type metadataIn struct {
	CommandLine      *string                   `json:"command_line"`
	CreationTime     *int64                    `json:"creation_time"`
	ToolchainVersion *binmeta.ToolchainVersion `json:"toolchain_version"`
	ModuleSignature  *signatureIn              `json:"module_signature"`
}

type signatureIn struct {
	Path          *string            `json:"path"`
	BaseAddress   *uint32            `json:"base_address"`
	ModuleSize    *uint32            `json:"module_size"`
	TimeDateStamp *binmeta.HexUint32 `json:"module_time_date_stamp"`
	Checksum      *binmeta.HexUint32 `json:"module_checksum"`
}

type descriptionIn struct {
	NumEntries    *uint32          `json:"num_entries"`
	NumColumns    *uint32          `json:"num_columns"`
	DataType      *json.RawMessage `json:"data_type"`
	FrequencySize *uint8           `json:"frequency_size"`
}

// ReadJSON parses a serialized frequency map, accepting both the compact
// and the pretty form. It validates strictly: missing keys, unknown
// data types, malformed rows and duplicate RVAs are all errors.
func ReadJSON(r io.Reader) (Map, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = stripJSONComments(raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var docs []moduleDocIn
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("invalid frequency document: %w", err)
	}

	m := NewMap()
	for i := range docs {
		entry, err := parseModuleDoc(&docs[i])
		if err != nil {
			return nil, fmt.Errorf("module entry %d: %w", i, err)
		}
		mi := entry.Metadata.ModuleSignature.ModuleInfo()
		key := mi.Key()
		if _, ok := m[key]; ok {
			return nil, fmt.Errorf("module entry %d: duplicate module %s",
				i, entry.Metadata.ModuleSignature.Path)
		}
		m[key] = entry
	}
	return m, nil
}

func parseModuleDoc(doc *moduleDocIn) (*ModuleData, error) {
	if doc.Metadata == nil {
		return nil, fmt.Errorf("missing metadata")
	}
	if doc.Description == nil {
		return nil, fmt.Errorf("missing description")
	}
	if doc.Frequencies == nil {
		return nil, fmt.Errorf("missing frequencies")
	}
	md, err := parseMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}
	desc, err := parseDescription(doc.Description)
	if err != nil {
		return nil, err
	}

	entry := &ModuleData{
		Metadata:    md,
		Description: desc,
		Counts:      make(map[CountKey]int32),
	}
	seen := make(map[libgrind.RVA]libgrind.Void)
	for i, row := range *doc.Frequencies {
		if uint32(len(row)) != 1+desc.NumColumns {
			return nil, fmt.Errorf("frequency row %d: got %d values, want %d",
				i, len(row), 1+desc.NumColumns)
		}
		rvaVal, err := rowValue(row[0], math.MaxUint32)
		if err != nil {
			return nil, fmt.Errorf("frequency row %d: bad rva: %w", i, err)
		}
		rva := libgrind.RVA(rvaVal)
		if _, dup := seen[rva]; dup {
			return nil, fmt.Errorf("frequency row %d: duplicate rva 0x%X", i, rva)
		}
		seen[rva] = libgrind.Void{}
		for col := uint32(0); col < desc.NumColumns; col++ {
			count, err := rowValue(row[1+col], math.MaxInt32)
			if err != nil {
				return nil, fmt.Errorf("frequency row %d column %d: %w", i, col, err)
			}
			if count != 0 {
				entry.Counts[CountKey{RVA: rva, Column: col}] = int32(count)
			}
		}
	}
	return entry, nil
}

func parseMetadata(in *metadataIn) (binmeta.Metadata, error) {
	var md binmeta.Metadata
	if in.CommandLine == nil || in.CreationTime == nil ||
		in.ToolchainVersion == nil || in.ModuleSignature == nil {
		return md, fmt.Errorf("incomplete metadata")
	}
	sig := in.ModuleSignature
	if sig.Path == nil || sig.BaseAddress == nil || sig.ModuleSize == nil ||
		sig.TimeDateStamp == nil || sig.Checksum == nil {
		return md, fmt.Errorf("incomplete module_signature")
	}
	md.CommandLine = *in.CommandLine
	md.CreationTime = *in.CreationTime
	md.ToolchainVersion = *in.ToolchainVersion
	md.ModuleSignature = binmeta.ModuleSignature{
		Path:          *sig.Path,
		BaseAddress:   *sig.BaseAddress,
		ModuleSize:    *sig.ModuleSize,
		TimeDateStamp: *sig.TimeDateStamp,
		Checksum:      *sig.Checksum,
	}
	return md, nil
}

func parseDescription(in *descriptionIn) (Description, error) {
	var desc Description
	if in.NumEntries == nil || in.NumColumns == nil ||
		in.DataType == nil || in.FrequencySize == nil {
		return desc, fmt.Errorf("incomplete description")
	}
	desc.NumEntries = *in.NumEntries
	desc.NumColumns = *in.NumColumns
	desc.FrequencySize = *in.FrequencySize
	if err := json.Unmarshal(*in.DataType, &desc.DataType); err != nil {
		return desc, fmt.Errorf("bad data_type: %w", err)
	}
	switch desc.FrequencySize {
	case 1, 2, 4:
	default:
		return desc, fmt.Errorf("bad frequency_size %d", desc.FrequencySize)
	}
	return desc, nil
}

// rowValue parses one numeric cell, requiring a non-negative integer no
// larger than limit.
func rowValue(n json.Number, limit int64) (int64, error) {
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("non-integer value %q", n.String())
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	if v > limit {
		return 0, fmt.Errorf("value %d out of range", v)
	}
	return v, nil
}

// stripJSONComments removes //-style line comments so that the pretty form
// round-trips through the strict reader. Comment markers inside string
// literals are left alone.
func stripJSONComments(in []byte) []byte {
	out := make([]byte, 0, len(in))
	inString := false
	escaped := false
	for i := 0; i < len(in); i++ {
		c := in[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == '/' && i+1 < len(in) && in[i+1] == '/' {
			for i < len(in) && in[i] != '\n' {
				i++
			}
			if i < len(in) {
				out = append(out, '\n')
			}
			continue
		}
		out = append(out, c)
	}
	return out
}
