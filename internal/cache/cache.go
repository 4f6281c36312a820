// Package cache stores the intermediate artifacts of one newsletter issue as
// files named after the issue's period, so a rerun can skip every external call
// that already succeeded.
//
// The store is meant for one process at a time; concurrent runs for the same
// schedule are unsupported.
package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/core"
)

// Kind names one artifact of a period. The value is the file name suffix.
type Kind string

const (
	RawText         Kind = "_emails.txt"
	SourceMap       Kind = "_sources.json"
	ArticleSet      Kind = "_summary.jsonl"
	LinkChecks      Kind = "_links.json"
	VisualSelection Kind = "_selection.json"
	ImagePrompt     Kind = "_image_prompt.txt"
	Image           Kind = ".png"
	Infographic     Kind = "_infographic.png"
	ImageURL        Kind = "_image_url.txt"
	InfographicURL  Kind = "_infographic_url.txt"
)

// Store is a directory of period-keyed artifact files. Writes always happen;
// reads only return hits when the store was opened with reads enabled.
type Store struct {
	dir   string
	reads bool
	log   zerolog.Logger
}

// New opens the cache directory, creating it when needed.
func New(dir string, reads bool, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating cache directory %s", dir)
	}
	return &Store{
		dir:   dir,
		reads: reads,
		log:   log.With().Str("component", "cache").Logger(),
	}, nil
}

// Reads reports whether cached artifacts are served.
func (s *Store) Reads() bool {
	return s.reads
}

// Path returns the file that holds kind for period.
func (s *Store) Path(period core.Period, kind Kind) string {
	return filepath.Join(s.dir, period.ID+string(kind))
}

// Get returns the artifact and whether it was found. A missing file is not an
// error, and neither is a disabled read.
func (s *Store) Get(period core.Period, kind Kind) ([]byte, bool, error) {
	if !s.reads {
		return nil, false, nil
	}
	path := s.Path(period, kind)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading cache file %s", path)
	}
	s.log.Debug().Str("period", period.String()).Str("kind", string(kind)).Msg("Cache hit")
	return data, true, nil
}

// Put atomically replaces the artifact.
func (s *Store) Put(period core.Period, kind Kind, data []byte) error {
	path := s.Path(period, kind)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing cache file %s", path)
	}
	return nil
}

// GetText is Get for text artifacts.
func (s *Store) GetText(period core.Period, kind Kind) (string, bool, error) {
	data, ok, err := s.Get(period, kind)
	return string(data), ok, err
}

// PutText is Put for text artifacts.
func (s *Store) PutText(period core.Period, kind Kind, text string) error {
	return s.Put(period, kind, []byte(text))
}

// GetJSON decodes a cached JSON artifact into v.
func (s *Store) GetJSON(period core.Period, kind Kind, v any) (bool, error) {
	data, ok, err := s.Get(period, kind)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "decoding cache file %s", s.Path(period, kind))
	}
	return true, nil
}

// PutJSON stores v as indented JSON.
func (s *Store) PutJSON(period core.Period, kind Kind, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", kind)
	}
	return s.Put(period, kind, data)
}

// GetArticles reads the article set, one JSON object per line.
func (s *Store) GetArticles(period core.Period) ([]core.Article, bool, error) {
	data, ok, err := s.Get(period, ArticleSet)
	if err != nil || !ok {
		return nil, false, err
	}
	articles, err := DecodeArticles(data)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decoding %s", s.Path(period, ArticleSet))
	}
	return articles, true, nil
}

// PutArticles writes the article set as JSON lines.
func (s *Store) PutArticles(period core.Period, articles []core.Article) error {
	data, err := EncodeArticles(articles)
	if err != nil {
		return err
	}
	return s.Put(period, ArticleSet, data)
}

// EncodeArticles renders articles as JSON lines.
func EncodeArticles(articles []core.Article) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, a := range articles {
		if err := enc.Encode(a); err != nil {
			return nil, errors.Wrapf(err, "encoding article %d", i)
		}
	}
	return buf.Bytes(), nil
}

// DecodeArticles parses JSON lines, skipping blank lines.
func DecodeArticles(data []byte) ([]core.Article, error) {
	var articles []core.Article
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var a core.Article
		if err := json.Unmarshal([]byte(text), &a); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		articles = append(articles, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning article lines")
	}
	return articles, nil
}

// WritePreview stores the rendered issue for inspection in a browser.
func (s *Store) WritePreview(schedule core.Schedule, html string) (string, error) {
	path := filepath.Join(s.dir, string(schedule)+"_newsletter.html")
	if err := renameio.WriteFile(path, []byte(html), 0644); err != nil {
		return "", errors.Wrapf(err, "writing preview %s", path)
	}
	return path, nil
}
