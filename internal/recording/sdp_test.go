package recording

import (
	"strings"
	"testing"

	"github.com/tidemeet/media-server/internal/media"
)

func TestRenderSDPBothStreams(t *testing.T) {
	video := &media.RTPParameters{Codecs: []media.RTPCodecParameters{{
		MimeType:     "video/VP8",
		PayloadType:  101,
		ClockRate:    90000,
		RTCPFeedback: []media.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
	}}}
	audio := &media.RTPParameters{Codecs: []media.RTPCodecParameters{{
		MimeType:    "audio/opus",
		PayloadType: 100,
		ClockRate:   48000,
		Channels:    2,
		Parameters:  map[string]string{"useinbandfec": "1", "minptime": "10"},
	}}}

	sdp := renderSDP(50000, 50002, video, audio)

	for _, want := range []string{
		"v=0\n",
		"m=video 50000 RTP/AVP 101\n",
		"a=rtcp:50001 IN IP4 127.0.0.1\n",
		"a=rtpmap:101 VP8/90000\n",
		"a=rtcp-fb:101 nack\n",
		"a=rtcp-fb:101 nack pli\n",
		"m=audio 50002 RTP/AVP 100\n",
		"a=rtpmap:100 opus/48000/2\n",
		"a=fmtp:100 minptime=10;useinbandfec=1\n",
		"a=recvonly\n",
	} {
		if !strings.Contains(sdp, want) {
			t.Errorf("sdp missing %q:\n%s", want, sdp)
		}
	}
}

func TestRenderSDPAudioOnly(t *testing.T) {
	audio := &media.RTPParameters{Codecs: []media.RTPCodecParameters{{
		MimeType:    "audio/opus",
		PayloadType: 100,
		ClockRate:   48000,
		Channels:    2,
	}}}

	sdp := renderSDP(0, 50002, nil, audio)
	if strings.Contains(sdp, "m=video") {
		t.Error("unexpected video section")
	}
	if !strings.Contains(sdp, "m=audio 50002 RTP/AVP 100\n") {
		t.Errorf("missing audio section:\n%s", sdp)
	}
}
