// Package hls inspects the renditions ffmpeg writes and rewrites their
// playlists so every referenced file carries its own capability token.
package hls

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// TokenParam is the query parameter carrying a capability token.
const TokenParam = "token"

// ErrNotMediaPlaylist is returned when a media playlist was expected.
var ErrNotMediaPlaylist = errors.New("not a media playlist")

// Signer returns the token authorizing access to resource, a path relative
// to the rendition directory.
type Signer func(resource string) (string, error)

// ParsePlaylist decodes a media or multivariant playlist.
func ParsePlaylist(data []byte) (playlist.Playlist, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	return pl, nil
}

// InspectPlaylist summarises the media playlist at p.
func InspectPlaylist(p string) (*models.OutputInfo, error) {
	media, err := readMedia(p)
	if err != nil {
		return nil, err
	}
	return summarize(p, media), nil
}

func readMedia(p string) (*playlist.Media, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}
	pl, err := ParsePlaylist(data)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, ErrNotMediaPlaylist
	}
	return media, nil
}

func summarize(p string, media *playlist.Media) *models.OutputInfo {
	info := &models.OutputInfo{
		Playlist:     filepath.Base(p),
		SegmentCount: len(media.Segments),
	}
	for _, seg := range media.Segments {
		info.TotalDuration += seg.Duration.Seconds()
	}
	return info
}

// InspectSegment returns the codec of every track in the MPEG-TS file at p.
func InspectSegment(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	r := &mpegts.Reader{R: bufio.NewReader(f)}
	if err := r.Initialize(); err != nil {
		return nil, fmt.Errorf("reading segment tables: %w", err)
	}

	var names []string
	for _, track := range r.Tracks() {
		names = append(names, codecName(track.Codec))
	}
	return names, nil
}

// Inspect summarises a finished rendition: segment count and duration from
// the playlist, codecs from the first MPEG-TS segment. A segment that cannot
// be read leaves Codecs empty. It satisfies worker.InspectFunc.
func Inspect(_ context.Context, p string) (*models.OutputInfo, error) {
	media, err := readMedia(p)
	if err != nil {
		return nil, err
	}
	info := summarize(p, media)

	// fMP4 renditions start with an init section mpegts cannot read.
	if len(media.Segments) == 0 || media.Map != nil {
		return info, nil
	}
	first := media.Segments[0].URI
	if strings.Contains(first, "://") {
		return info, nil
	}
	if names, err := InspectSegment(filepath.Join(filepath.Dir(p), filepath.FromSlash(first))); err == nil {
		info.Codecs = names
	}
	return info, nil
}

// SignPlaylist rewrites every relative URI in data so it carries a token
// for that file. base is the directory of the playlist relative to the
// rendition root and prefixes each signed resource. Parameters in extra are
// added to every signed URI.
func SignPlaylist(data []byte, base string, sign Signer, extra url.Values) ([]byte, error) {
	pl, err := ParsePlaylist(data)
	if err != nil {
		return nil, err
	}

	rewrite := func(uri string) (string, error) {
		if uri == "" {
			return uri, nil
		}
		return signURI(uri, base, sign, extra)
	}

	switch pl := pl.(type) {
	case *playlist.Media:
		if pl.Map != nil {
			if pl.Map.URI, err = rewrite(pl.Map.URI); err != nil {
				return nil, err
			}
		}
		for _, seg := range pl.Segments {
			if seg.URI, err = rewrite(seg.URI); err != nil {
				return nil, err
			}
		}
		return pl.Marshal()
	case *playlist.Multivariant:
		for _, v := range pl.Variants {
			if v.URI, err = rewrite(v.URI); err != nil {
				return nil, err
			}
		}
		for _, r := range pl.Renditions {
			if r.URI == nil {
				continue
			}
			uri, err := rewrite(*r.URI)
			if err != nil {
				return nil, err
			}
			r.URI = &uri
		}
		return pl.Marshal()
	default:
		return nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func signURI(uri, base string, sign Signer, extra url.Values) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q: %w", uri, err)
	}
	// Absolute references point elsewhere and are left untouched.
	if u.IsAbs() || u.Host != "" || strings.HasPrefix(u.Path, "/") {
		return uri, nil
	}

	resource := path.Clean(path.Join(base, u.Path))
	if resource == ".." || strings.HasPrefix(resource, "../") {
		return "", fmt.Errorf("uri %q escapes the rendition", uri)
	}
	token, err := sign(resource)
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", resource, err)
	}

	q := u.Query()
	for k, vs := range extra {
		q[k] = append([]string(nil), vs...)
	}
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func codecName(c mpegts.Codec) string {
	switch c.(type) {
	case *mpegts.CodecH264:
		return "h264"
	case *mpegts.CodecH265:
		return "h265"
	case *mpegts.CodecMPEG1Video:
		return "mpeg1video"
	case *mpegts.CodecMPEG4Video:
		return "mpeg4video"
	case *mpegts.CodecMPEG4Audio:
		return "aac"
	case *mpegts.CodecMPEG1Audio:
		return "mp3"
	case *mpegts.CodecAC3:
		return "ac3"
	case *mpegts.CodecEAC3:
		return "eac3"
	case *mpegts.CodecOpus:
		return "opus"
	default:
		return "unknown"
	}
}
