package media

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"
)

// maxEnvSize caps how much of an environment file is read from an image.
const maxEnvSize = 1 << 20

// ReadISOEnvironment reads the environment file from an ISO9660 image or
// device without mounting it.
func ReadISOEnvironment(path, envFile string) (*Environment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := readISOFile(f, envFile)
	if err != nil {
		return nil, err
	}
	return ParseEnvironment(data)
}

func readISOFile(r io.ReaderAt, name string) ([]byte, error) {
	image, err := iso9660.OpenImage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open iso9660 image: %w", err)
	}
	root, err := image.RootDir()
	if err != nil {
		return nil, fmt.Errorf("failed to read image root: %w", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return nil, fmt.Errorf("failed to list image root: %w", err)
	}

	for _, child := range children {
		if child.IsDir() || !isoNameMatches(child.Name(), name) {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(child.Reader(), maxEnvSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from image: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
}

// isoNameMatches compares names the way plain ISO9660 stores them:
// case-insensitive, with an optional ";1" version suffix.
func isoNameMatches(have, want string) bool {
	have, _, _ = strings.Cut(have, ";")
	return strings.EqualFold(have, want)
}
