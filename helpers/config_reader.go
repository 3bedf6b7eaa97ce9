// Package helpers holds small file-backed JSON read/write utilities
// shared by the server's config loader and the mailbox sink's registry.
package helpers

import (
	"encoding/json"
	"fmt"
	"os"
)

// DecodeFile is a generic JSON file reader: open, decode, wrap errors.
func DecodeFile(fileName string, object interface{}) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(object); err != nil {
		return fmt.Errorf("could not parse file: %w", err)
	}
	return nil
}

// EncodeFile writes object to fileName as indented JSON, overwriting
// whatever was there before.
func EncodeFile(fileName string, object interface{}) error {
	file, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "\t")
	if err := enc.Encode(object); err != nil {
		return fmt.Errorf("could not write file: %w", err)
	}
	return nil
}
