package exporters

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var tagEchoNumbers = tag.Tag{Group: 0x0018, Element: 0x0086}

// SplitEchoes sorts a downloaded multi-echo series into one folder per echo
// number, returning echo number -> folder. Conversion tools then run per
// echo so each gets its own output file.
func SplitEchoes(rawDir string) (map[string]string, error) {
	echoDirs := map[string]string{}

	err := filepath.Walk(rawDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Echo folders from an earlier pass are not split again.
		if info.IsDir() {
			if strings.HasPrefix(filepath.Base(path), "echo-") && path != rawDir {
				return filepath.SkipDir
			}
			return nil
		}

		echo, err := readEchoNumber(path)
		if err != nil {
			// Not a dicom, or one without echo info; leave it out of every
			// echo folder.
			return nil
		}

		dir, ok := echoDirs[echo]
		if !ok {
			dir = filepath.Join(rawDir, "echo-"+echo)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			echoDirs[echo] = dir
		}

		target := filepath.Join(dir, filepath.Base(path))
		if err := os.Link(path, target); err != nil {
			// Cross-device or unsupported hard links fall back to a copy.
			return copyFile(path, target)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(echoDirs) == 0 {
		return nil, fmt.Errorf("no echo numbers found in %s", rawDir)
	}
	return echoDirs, nil
}

func readEchoNumber(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	ds, err := dicom.Parse(f, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return "", err
	}
	elem, err := ds.FindElementByTag(tagEchoNumbers)
	if err != nil {
		return "", err
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return "", fmt.Errorf("no echo number in %s", path)
	}
	return strings.TrimSpace(vals[0]), nil
}
