package media

import (
	"slices"
	"strconv"
	"strings"
)

// DefaultAudioCodec and DefaultMaxAudioBitrate make up the bandwidth-constrained profile.
const (
	DefaultAudioCodec      = "opus"
	DefaultMaxAudioBitrate = 24000
)

const maxAvgParam = "maxaveragebitrate"

// CapAudioBitrate sets maxaveragebitrate on every fmtp line of codec. A
// missing fmtp line is inserted right after the codec's rtpmap line. Payload
// types are never changed; sdp is returned as is when codec is absent.
func CapAudioBitrate(sdp, codec string, maxAvgBitrate int) string {
	if sdp == "" || codec == "" || maxAvgBitrate <= 0 {
		return sdp
	}

	eol := "\n"
	if strings.Contains(sdp, "\r\n") {
		eol = "\r\n"
	}
	trailing := strings.HasSuffix(sdp, eol)
	lines := strings.Split(strings.TrimSuffix(sdp, eol), eol)

	payloads := map[string]int{} // payload type -> rtpmap line index
	for i, line := range lines {
		pt, name, ok := parseRtpmap(line)
		if ok && strings.EqualFold(name, codec) {
			payloads[pt] = i
		}
	}
	if len(payloads) == 0 {
		return sdp
	}

	value := maxAvgParam + "=" + strconv.Itoa(maxAvgBitrate)
	seen := map[string]bool{}
	for i, line := range lines {
		pt, params, ok := parseFmtp(line)
		if !ok {
			continue
		}
		if _, want := payloads[pt]; !want {
			continue
		}
		seen[pt] = true
		lines[i] = "a=fmtp:" + pt + " " + setParam(params, value)
	}

	// Insert from the bottom so earlier indexes stay valid.
	var missing []int
	for pt, idx := range payloads {
		if !seen[pt] {
			missing = append(missing, idx)
		}
	}
	slices.Sort(missing)
	for _, idx := range slices.Backward(missing) {
		pt, _, _ := parseRtpmap(lines[idx])
		lines = slices.Insert(lines, idx+1, "a=fmtp:"+pt+" "+value)
	}

	out := strings.Join(lines, eol)
	if trailing {
		out += eol
	}
	return out
}

// parseRtpmap splits "a=rtpmap:111 opus/48000/2" into ("111", "opus").
func parseRtpmap(line string) (pt, codec string, ok bool) {
	rest, found := strings.CutPrefix(line, "a=rtpmap:")
	if !found {
		return "", "", false
	}
	pt, enc, found := strings.Cut(rest, " ")
	if !found {
		return "", "", false
	}
	codec, _, _ = strings.Cut(strings.TrimSpace(enc), "/")
	return pt, codec, pt != "" && codec != ""
}

// parseFmtp splits "a=fmtp:111 minptime=10;useinbandfec=1".
func parseFmtp(line string) (pt, params string, ok bool) {
	rest, found := strings.CutPrefix(line, "a=fmtp:")
	if !found {
		return "", "", false
	}
	pt, params, _ = strings.Cut(rest, " ")
	return pt, strings.TrimSpace(params), pt != ""
}

func setParam(params, value string) string {
	if params == "" {
		return value
	}
	parts := strings.Split(params, ";")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if strings.EqualFold(strings.TrimSpace(key), maxAvgParam) {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(append(out, value), ";")
}
