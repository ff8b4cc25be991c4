package pkg

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"
)

// Move moves all items into dest. If only one item is passed and dest isn't an existing directory,
// the item is renamed to dest instead.
func Move(items []string, dest string) error {
	if len(items) == 0 {
		return eris.New("Not enough parameters")
	}

	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	info, err = os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}
	destIsDir := err == nil && info.IsDir()

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

// Remove deletes the passed items. Directories are only removed if recursive is set and missing
// items are only tolerated if force is set.
func Remove(items []string, recursive, force bool) error {
	existing := make([]string, 0, len(items))
	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
		existing = append(existing, item)
	}

	for _, item := range existing {
		err := os.RemoveAll(item)
		if err != nil {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

// MakeDirs creates the passed directories.
func MakeDirs(items []string, parents bool) error {
	var err error
	for _, item := range items {
		if parents {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

// Tee copies everything from in to out and to each of the passed files.
func Tee(in io.Reader, out io.Writer, files []string, appendMode bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	writers := make([]io.Writer, 0, len(files)+1)
	if out != nil {
		writers = append(writers, out)
	}

	for _, item := range files {
		hdl, err := os.OpenFile(item, flags, 0660)
		if err != nil {
			return eris.Wrapf(err, "Failed to open %s", item)
		}
		defer hdl.Close()

		writers = append(writers, hdl)
	}

	if in == nil {
		return nil
	}

	_, err := io.Copy(io.MultiWriter(writers...), in)
	if err != nil {
		return eris.Wrap(err, "Failed to copy input")
	}

	return nil
}

// XZ compresses each item into item.xz or, if decompress is set, unpacks each item.xz into item.
// The input files are removed afterwards unless keep is set.
func XZ(items []string, decompress, keep bool) error {
	for _, item := range items {
		var err error
		if decompress {
			err = unxzFile(item)
		} else {
			err = xzFile(item)
		}
		if err != nil {
			return err
		}

		if !keep {
			err = os.Remove(item)
			if err != nil {
				return eris.Wrapf(err, "Failed to remove %s", item)
			}
		}
	}

	return nil
}

func xzFile(item string) error {
	src, err := os.Open(item)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", item)
	}
	defer src.Close()

	dest, err := os.Create(item + ".xz")
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s.xz", item)
	}
	defer dest.Close()

	writer, err := xz.NewWriter(dest)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize compressor")
	}

	_, err = io.Copy(writer, src)
	if err != nil {
		return eris.Wrapf(err, "Failed to compress %s", item)
	}

	err = writer.Close()
	if err != nil {
		return eris.Wrapf(err, "Failed to compress %s", item)
	}

	return dest.Close()
}

func unxzFile(item string) error {
	if !strings.HasSuffix(item, ".xz") {
		return eris.Errorf("%s does not end in .xz", item)
	}

	src, err := os.Open(item)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", item)
	}
	defer src.Close()

	reader, err := xz.NewReader(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to read %s", item)
	}

	destPath := strings.TrimSuffix(item, ".xz")
	dest, err := os.Create(destPath)
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", destPath)
	}
	defer dest.Close()

	_, err = io.Copy(dest, reader)
	if err != nil {
		return eris.Wrapf(err, "Failed to decompress %s", item)
	}

	return dest.Close()
}
