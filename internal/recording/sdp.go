package recording

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidemeet/media-server/internal/media"
)

// renderSDP builds the session description handed to the pipeline: one
// recvonly media section per forwarded stream, loopback addressing, codec
// parameters taken from the forwarding consumers.
func renderSDP(videoPort, audioPort int, video, audio *media.RTPParameters) string {
	var b strings.Builder
	b.WriteString("v=0\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\n")
	b.WriteString("s=Meeting Recording\n")
	b.WriteString("c=IN IP4 127.0.0.1\n")
	b.WriteString("t=0 0\n")

	if video != nil && len(video.Codecs) > 0 {
		writeMediaSection(&b, "video", videoPort, video.Codecs[0])
	}
	if audio != nil && len(audio.Codecs) > 0 {
		writeMediaSection(&b, "audio", audioPort, audio.Codecs[0])
	}
	return b.String()
}

func writeMediaSection(b *strings.Builder, kind string, port int, codec media.RTPCodecParameters) {
	fmt.Fprintf(b, "m=%s %d RTP/AVP %d\n", kind, port, codec.PayloadType)
	b.WriteString("c=IN IP4 127.0.0.1\n")
	fmt.Fprintf(b, "a=rtcp:%d IN IP4 127.0.0.1\n", port+1)
	b.WriteString("a=recvonly\n")

	name := codec.MimeType
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if codec.Channels > 1 {
		fmt.Fprintf(b, "a=rtpmap:%d %s/%d/%d\n", codec.PayloadType, name, codec.ClockRate, codec.Channels)
	} else {
		fmt.Fprintf(b, "a=rtpmap:%d %s/%d\n", codec.PayloadType, name, codec.ClockRate)
	}

	for _, fb := range codec.RTCPFeedback {
		if fb.Parameter != "" {
			fmt.Fprintf(b, "a=rtcp-fb:%d %s %s\n", codec.PayloadType, fb.Type, fb.Parameter)
		} else {
			fmt.Fprintf(b, "a=rtcp-fb:%d %s\n", codec.PayloadType, fb.Type)
		}
	}

	if len(codec.Parameters) > 0 {
		params := make([]string, 0, len(codec.Parameters))
		for k, v := range codec.Parameters {
			params = append(params, fmt.Sprintf("%s=%s", k, v))
		}
		// Deterministic order keeps the SDP stable across restarts.
		sort.Strings(params)
		fmt.Fprintf(b, "a=fmtp:%d %s\n", codec.PayloadType, strings.Join(params, ";"))
	}
}
