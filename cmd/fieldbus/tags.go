package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-fieldbus/fieldbus"
)

// tagFile is the YAML document accepted by --tags-file:
//
//	tags:
//	  - name: speed
//	    address: "Motor.Speed:REAL"
type tagFile struct {
	Tags []tagEntry `yaml:"tags"`
}

type tagEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

func loadTagFile(path string) ([]fieldbus.TagRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	reqs, err := decodeTagFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return reqs, nil
}

func decodeTagFile(data []byte) ([]fieldbus.TagRequest, error) {
	var file tagFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	reqs := make([]fieldbus.TagRequest, 0, len(file.Tags))
	for i, entry := range file.Tags {
		address := strings.TrimSpace(entry.Address)
		if address == "" {
			return nil, fmt.Errorf("tag %d: missing address", i)
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = address
		}
		reqs = append(reqs, fieldbus.TagRequest{Name: name, Address: address})
	}

	return reqs, nil
}

// parseTagArgs converts name=address arguments. A bare address is its own name.
func parseTagArgs(args []string) ([]fieldbus.TagRequest, error) {
	reqs := make([]fieldbus.TagRequest, 0, len(args))
	for _, arg := range args {
		name, address, found := strings.Cut(arg, "=")
		if !found {
			address = name
		}
		name, address = strings.TrimSpace(name), strings.TrimSpace(address)
		if name == "" || address == "" {
			return nil, fmt.Errorf("invalid tag argument %q, expect name=address", arg)
		}
		reqs = append(reqs, fieldbus.TagRequest{Name: name, Address: address})
	}

	return reqs, nil
}

var errNoTags = errors.New("no tags given")
