package recording

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ReesavGupta/peer-link/internal/engine"
	"github.com/pion/sdp/v3"
)

// CodecInfo is the minimal codec descriptor the transcoder needs.
type CodecInfo struct {
	PayloadType uint8
	CodecName   string
	ClockRate   uint32
	Channels    uint16
}

// CodecInfoFromRtpParameters picks the first codec of the requested kind
// out of negotiated parameters. Callers recording a tapped stream must
// pass the tapping consumer's parameters, not the producer's: the two
// payload types routinely differ and a descriptor with the wrong one
// records silence.
func CodecInfoFromRtpParameters(kind engine.Kind, params engine.RTPParameters) (CodecInfo, error) {
	for _, c := range params.Codecs {
		if c.Kind() != kind {
			continue
		}

		info := CodecInfo{
			PayloadType: c.PayloadType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
		}
		if parts := strings.SplitN(c.MimeType, "/", 2); len(parts) == 2 {
			info.CodecName = strings.ToLower(parts[1])
		}
		if kind == engine.KindAudio && info.Channels == 0 {
			info.Channels = 2
		}
		return info, nil
	}

	return CodecInfo{}, fmt.Errorf("no %s codec found", kind)
}

// SessionDescription renders the single-media-line SDP handed to the
// transcoder subprocess.
func SessionDescription(info CodecInfo, localIP string, rtpPort int) ([]byte, error) {
	pt := strconv.Itoa(int(info.PayloadType))
	rtpmap := fmt.Sprintf("%s %s/%d", pt, info.CodecName, info.ClockRate)
	if info.Channels > 0 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, info.Channels)
	}

	sd := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "peer-link recording",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", rtpmap),
					sdp.NewPropertyAttribute("recvonly"),
				},
			},
		},
	}

	return sd.Marshal()
}
