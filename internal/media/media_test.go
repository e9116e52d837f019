package media

import "testing"

func TestCodecByPayloadType(t *testing.T) {
	tests := []struct {
		pt    uint8
		codec Codec
		kind  Kind
	}{
		{96, CodecVP8, KindVideo},
		{98, CodecVP9, KindVideo},
		{102, CodecH264, KindVideo},
		{111, CodecOpus, KindAudio},
		{0, CodecUnknown, KindUnknown},
		{127, CodecUnknown, KindUnknown},
	}
	for _, tt := range tests {
		codec, kind := CodecByPayloadType(tt.pt)
		if codec != tt.codec || kind != tt.kind {
			t.Errorf("pt %d: got (%v, %v), want (%v, %v)", tt.pt, codec, kind, tt.codec, tt.kind)
		}
	}
}

func TestStringers(t *testing.T) {
	if KindVideo.String() != "video" || KindAudio.String() != "audio" {
		t.Error("kind strings")
	}
	if CodecVP8.String() != "VP8" || CodecOpus.String() != "opus" {
		t.Error("codec strings")
	}
	if Kind(99).String() != "unknown" || Codec(99).String() != "unknown" {
		t.Error("out-of-range strings")
	}
}
