package terminal

import (
	"regexp"
	"strings"
)

const (
	// pwdMarkerPrefix starts the private OSC sequence the shell prints after
	// every command; the sequence ends with BEL. Terminals ignore unknown OSC
	// codes, so the marker is invisible even if it leaks through.
	pwdMarkerPrefix = "\x1b]6973;pwd="
	pwdMarkerEnd    = '\a'

	maxPendingMarker = 4096
)

// PromptCommand makes bash print the working-directory marker before each
// prompt. It is passed to the shell as PROMPT_COMMAND.
const PromptCommand = `printf '\033]6973;pwd=%s\007' "$PWD"`

var (
	ansiSequence  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	promptPattern = regexp.MustCompile(`[A-Za-z0-9_.-]+@[A-Za-z0-9_.-]+:([~/][^\r\n#$]*)[#$]`)
)

// PwdTracker extracts the shell's working directory from its output stream.
// Structured markers are preferred; until one has been seen, prompts of the
// form user@host:/path# are scraped instead.
type PwdTracker struct {
	pending   string
	sawMarker bool
}

// Process strips pwd markers from chunk. It returns the text to show the
// user and, when the chunk revealed one, the current directory. A marker
// split across chunks is held back until it completes.
func (p *PwdTracker) Process(chunk string) (visible, pwd string, ok bool) {
	data := p.pending + chunk
	p.pending = ""

	var out strings.Builder
	for {
		i := strings.Index(data, pwdMarkerPrefix)
		if i < 0 {
			keep := partialSuffix(data, pwdMarkerPrefix)
			out.WriteString(data[:len(data)-keep])
			p.pending = data[len(data)-keep:]
			break
		}
		out.WriteString(data[:i])
		rest := data[i+len(pwdMarkerPrefix):]
		end := strings.IndexByte(rest, pwdMarkerEnd)
		if end < 0 {
			if len(rest) > maxPendingMarker {
				out.WriteString(data[i:])
			} else {
				p.pending = data[i:]
			}
			break
		}
		pwd, ok = rest[:end], true
		p.sawMarker = true
		data = rest[end+1:]
	}

	visible = out.String()
	if !ok && !p.sawMarker {
		pwd, ok = scrapePrompt(visible)
	}
	return visible, pwd, ok
}

// Flush returns any held-back text.
func (p *PwdTracker) Flush() string {
	out := p.pending
	p.pending = ""
	return out
}

// scrapePrompt finds the last prompt in text. Prompts split across chunks
// are missed.
func scrapePrompt(text string) (string, bool) {
	matches := promptPattern.FindAllStringSubmatch(ansiSequence.ReplaceAllString(text, ""), -1)
	if len(matches) == 0 {
		return "", false
	}
	dir := strings.TrimSpace(matches[len(matches)-1][1])
	if dir == "" {
		return "", false
	}
	return dir, true
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
