package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/importqueue"
)

func (c maincmd) create(ctx context.Context, _ []string) error {
	sess := c.session()
	defer sess.Close()

	key, err := sess.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func (c maincmd) importFiles(ctx context.Context, keystr string, args []string) error {
	if len(args) == 0 {
		return errors.New("no files to import")
	}

	var files []importqueue.Source
	for _, arg := range args {
		srcs, err := localFiles(arg)
		if err != nil {
			return err
		}
		files = append(files, srcs...)
	}

	sess := c.session()
	defer sess.Close()

	if keystr != "" {
		key, err := parseKey(keystr)
		if err != nil {
			return err
		}
		if err = sess.Load(ctx, key); err != nil {
			return err
		}
	}

	if err := sess.ImportFiles(ctx, files); err != nil {
		return err
	}
	if err := sess.WaitImports(ctx); err != nil {
		return err
	}

	fmt.Println(sess.State().Key)
	return nil
}

// localFiles describes the file at path,
// or every regular file beneath it if it is a directory.
// Files in a directory keep their layout under the directory's name.
func localFiles(path string) ([]importqueue.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "statting %s", path)
	}
	if !info.IsDir() {
		src, err := importqueue.LocalFile(path)
		return []importqueue.Source{src}, err
	}

	var result []importqueue.Source
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(filepath.Dir(path), p)
		if err != nil {
			return err
		}
		result = append(result, importqueue.Source{
			FullPath: "/" + filepath.ToSlash(rel),
			Path:     p,
			Size:     info.Size(),
		})
		return nil
	})
	return result, errors.Wrapf(err, "walking %s", path)
}

func (c maincmd) ls(ctx context.Context, keystr string, meta bool, _ []string) error {
	key, err := parseKey(keystr)
	if err != nil {
		return err
	}

	a := c.d.Archive(key)
	sw := c.hub.Join(a)
	defer sw.Close()

	if err = a.Open(ctx); err != nil {
		return &dat.OpenError{Key: key, Err: err}
	}

	if meta {
		md, err := a.Metadata(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %v\n", k, md[k])
		}
	}
	for _, e := range a.Entries() {
		fmt.Printf("%-9s %10d %s %s\n", e.Type, e.Size, e.Mtime.Format(time.RFC3339), e.Name)
	}
	return nil
}

func (c maincmd) get(ctx context.Context, keystr, name string, _ []string) error {
	if name == "" {
		return errors.New("must supply -name")
	}
	key, err := parseKey(keystr)
	if err != nil {
		return err
	}

	sess := c.session()
	defer sess.Close()

	if err = sess.Load(ctx, key); err != nil {
		return err
	}
	return sess.ReadFile(ctx, name, os.Stdout)
}

func (c maincmd) export(ctx context.Context, keystr, entry, dir string, _ []string) error {
	key, err := parseKey(keystr)
	if err != nil {
		return err
	}

	sess := c.session()
	defer sess.Close()

	if err = sess.Load(ctx, key); err != nil {
		return err
	}
	return sess.DownloadAsZip(ctx, entry, func(_ context.Context, name string, r io.Reader) error {
		data, err := ioutil.ReadAll(r)
		if err != nil {
			return err
		}
		out := filepath.Join(dir, name)
		if err = ioutil.WriteFile(out, data, 0644); err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	})
}
