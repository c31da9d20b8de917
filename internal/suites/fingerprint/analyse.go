package fingerprint

import (
	"maps"
	"slices"
	"strings"

	"github.com/privacyscore/scanner/internal/trace"
)

// Result is the per-API summary of a site's JavaScript calls. Script URL
// lists are sorted and empty when the API was not used.
type Result struct {
	Basics          map[string]bool `json:"basics"`
	Audio           []string        `json:"audio"`
	Canvas          Canvas          `json:"canvas"`
	Font            Font            `json:"font"`
	SuspiciousNames Names           `json:"suspicious_function_names"`
	WebGL           []string        `json:"webgl"`
	WebRTC          WebRTC          `json:"webrtc"`
}

type Canvas struct {
	ToDataURLCalls    int      `json:"to_data_url_calls"`
	GetImageDataCalls int      `json:"get_image_data_calls"`
	ScriptURLs        []string `json:"script_urls"`
}

type Font struct {
	FontsSet         Counted  `json:"fonts_set"`
	MeasureTextCalls Counted  `json:"measure_text_calls"`
	Mmmlli           []string `json:"mmmmmmmmmmlli_magic_string"`
	Fjordbank        []string `json:"fjordbank_magic_string"`
}

type Counted struct {
	Count      int      `json:"count"`
	ScriptURLs []string `json:"script_urls"`
}

type Names struct {
	Names      []string `json:"names"`
	ScriptURLs []string `json:"script_urls"`
}

type WebRTC struct {
	Used           bool     `json:"uses_webrtc"`
	OnIceCandidate bool     `json:"uses_onicecandidate"`
	ScriptURLs     []string `json:"script_urls"`
}

var basicAttributes = []string{
	"userAgent",
	"language",
	"colorDepth",
	"localStorage",
	"sessionStorage",
	"platform",
	"cookieEnabled",
	"doNotTrack",
	"oscpu",
}

// lower case, matched as substrings of the function name
var suspiciousNames = []string{
	"fingerprint",
	"getfp",
	"getcanvasprint",
	"getaudioprint",
	"gethaslied",
}

var audioPrefixes = []string{"analysernode", "gainnode", "oscillatornode", "scriptprocessornode"}

const (
	mmmlli    = "mmmmmmmmmmlli"
	fjordbank = "cwm fjordbank glyphs vext quiz"
)

type urlSet map[string]struct{}

func (s urlSet) add(url string) { s[url] = struct{}{} }

func (s urlSet) sorted() []string {
	if len(s) == 0 {
		return []string{}
	}
	return slices.Sorted(maps.Keys(s))
}

// Analyse summarizes calls. Symbol, function name and argument matches
// ignore case.
func Analyse(calls []trace.Call) Result {
	res := Result{Basics: make(map[string]bool, len(basicAttributes))}
	for _, attr := range basicAttributes {
		res.Basics[attr] = false
	}

	var (
		audio, canvas, fonts, measure = urlSet{}, urlSet{}, urlSet{}, urlSet{}
		mmm, fjord, names, nameURLs   = urlSet{}, urlSet{}, urlSet{}, urlSet{}
		webgl, webrtc                 = urlSet{}, urlSet{}
	)
	for _, c := range calls {
		symbol := strings.ToLower(c.Symbol)
		args := strings.ToLower(c.Arguments)

		for _, attr := range basicAttributes {
			if strings.Contains(symbol, strings.ToLower(attr)) {
				res.Basics[attr] = true
			}
		}

		if strings.Contains(symbol, "audio") || hasAnyPrefix(symbol, audioPrefixes) {
			audio.add(c.ScriptURL)
		}

		switch symbol {
		case "htmlcanvaselement.todataurl":
			res.Canvas.ToDataURLCalls++
			canvas.add(c.ScriptURL)
		case "canvasrenderingcontext2d.getimagedata":
			res.Canvas.GetImageDataCalls++
			canvas.add(c.ScriptURL)
		case "canvasrenderingcontext2d.measuretext":
			res.Font.MeasureTextCalls.Count++
			measure.add(c.ScriptURL)
		}

		if strings.HasSuffix(symbol, "font") && strings.EqualFold(c.Operation, "set") {
			res.Font.FontsSet.Count++
			fonts.add(c.ScriptURL)
		}
		if strings.Contains(args, mmmlli) {
			mmm.add(c.ScriptURL)
		}
		if strings.Contains(args, fjordbank) {
			fjord.add(c.ScriptURL)
		}

		funcName := strings.ToLower(c.FuncName)
		for _, name := range suspiciousNames {
			if strings.Contains(funcName, name) {
				names.add(c.FuncName)
				nameURLs.add(c.ScriptURL)
				break
			}
		}

		if strings.Contains(symbol, "getcontext") && strings.Contains(args, "webgl") {
			webgl.add(c.ScriptURL)
		}

		if strings.HasPrefix(symbol, "rtcpeerconnection") {
			webrtc.add(c.ScriptURL)
			if strings.Contains(symbol, "onicecandidate") {
				res.WebRTC.OnIceCandidate = true
			}
		}
	}

	res.Audio = audio.sorted()
	res.Canvas.ScriptURLs = canvas.sorted()
	res.Font.FontsSet.ScriptURLs = fonts.sorted()
	res.Font.MeasureTextCalls.ScriptURLs = measure.sorted()
	res.Font.Mmmlli = mmm.sorted()
	res.Font.Fjordbank = fjord.sorted()
	res.SuspiciousNames = Names{Names: names.sorted(), ScriptURLs: nameURLs.sorted()}
	res.WebGL = webgl.sorted()
	res.WebRTC.ScriptURLs = webrtc.sorted()
	res.WebRTC.Used = len(res.WebRTC.ScriptURLs) > 0
	return res
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
