package gst

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/backend"
)

// pipelineConfig describes one GStreamer graph for a session.
type pipelineConfig struct {
	URI      string
	Hardware bool
	Settings backend.Settings
}

// elements keeps references to the pieces the backend touches after build.
type elements struct {
	Pipeline   *gst.Pipeline
	Source     *gst.Element
	VideoQueue *gst.Element
	AudioQueue *gst.Element
	Volume     *gst.Element
	Panorama   *gst.Element
	AppSink    *app.Sink
	Decoder    *gst.Element
	UsingVAAPI bool
}

// buildVideoPipeline creates the native decode graph:
//
//	urisourcebin → parsebin ─┬→ queue → h264 decoder → [vaapipostproc] → videoconvert → capsfilter(RGBA) → appsink
//	                         └→ queue → decodebin → audioconvert → audioresample → audiopanorama → volume → autoaudiosink
//
// parsebin pads are dynamic and linked from the pad-added callback. The
// pipeline is left in NULL state.
func buildVideoPipeline(cfg pipelineConfig) (*elements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create pipeline: %w", err)
	}

	src, err := newSource(cfg)
	if err != nil {
		return nil, err
	}
	parse, err := gst.NewElement("parsebin")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create parsebin: %w", err)
	}

	vqueue, err := gst.NewElement("queue")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create video queue: %w", err)
	}

	var decoder, postproc *gst.Element
	usingVAAPI := false
	if cfg.Hardware {
		decoder, err = gst.NewElement("vaapih264dec")
		if err != nil {
			return nil, fmt.Errorf("gst: hardware decoder unavailable: %w", err)
		}
		decoder.SetProperty("low-latency", true)
		postproc, err = gst.NewElement("vaapipostproc")
		if err != nil {
			return nil, fmt.Errorf("gst: failed to create vaapipostproc: %w", err)
		}
		postproc.SetProperty("format", "nv12")
		usingVAAPI = true
	} else {
		decoder, err = gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("gst: failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("max-threads", 0)
		decoder.SetProperty("output-corrupt", false)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(rgbaCaps))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", true)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetProperty("qos", true)

	audio, err := newAudioChain(cfg.Settings)
	if err != nil {
		return nil, err
	}

	videoChain := []*gst.Element{vqueue, decoder}
	if postproc != nil {
		videoChain = append(videoChain, postproc)
	}
	videoChain = append(videoChain, converter, capsfilter, sink.Element)

	if err := pipeline.AddMany(src, parse); err != nil {
		return nil, fmt.Errorf("gst: failed to add source elements: %w", err)
	}
	if err := pipeline.AddMany(videoChain...); err != nil {
		return nil, fmt.Errorf("gst: failed to add video elements: %w", err)
	}
	if err := pipeline.AddMany(audio.all()...); err != nil {
		return nil, fmt.Errorf("gst: failed to add audio elements: %w", err)
	}
	if err := gst.ElementLinkMany(videoChain...); err != nil {
		return nil, fmt.Errorf("gst: failed to link video elements: %w", err)
	}
	if err := audio.link(); err != nil {
		return nil, err
	}

	src.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		linkPad(pad, parse)
	})
	parse.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		switch kind := padMediaKind(pad); kind {
		case "video":
			linkPad(pad, vqueue)
		case "audio":
			linkPad(pad, audio.queue)
		default:
			slog.Debug("gst: ignoring parsed pad", "pad", pad.GetName(), "kind", kind)
		}
	})

	slog.Info("gst: video pipeline created",
		"uri", cfg.URI,
		"decoder", decoder.GetName(),
		"vaapi", usingVAAPI,
	)

	return &elements{
		Pipeline:   pipeline,
		Source:     src,
		VideoQueue: vqueue,
		AudioQueue: audio.queue,
		Volume:     audio.volume,
		Panorama:   audio.panorama,
		AppSink:    sink,
		Decoder:    decoder,
		UsingVAAPI: usingVAAPI,
	}, nil
}

// buildAudioPipeline creates the OS-player graph used for network audio:
// a playbin with the panorama/volume chain as its audio sink.
func buildAudioPipeline(cfg pipelineConfig) (*elements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create pipeline: %w", err)
	}
	playbin, err := gst.NewElement("playbin")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create playbin: %w", err)
	}
	playbin.SetProperty("uri", cfg.URI)
	playbin.SetProperty("buffer-duration", int64(cfg.Settings.CacheTime))
	if cfg.Settings.ProbeSizeKB > 0 {
		playbin.SetProperty("buffer-size", cfg.Settings.ProbeSizeKB*1024)
	}

	panorama, err := gst.NewElement("audiopanorama")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create audiopanorama: %w", err)
	}
	panorama.SetProperty("panorama", panoramaFor(cfg.Settings.ChannelMode))
	playbin.SetProperty("audio-filter", panorama)
	playbin.SetProperty("mute", cfg.Settings.Mute)

	if err := pipeline.Add(playbin); err != nil {
		return nil, fmt.Errorf("gst: failed to add playbin: %w", err)
	}

	slog.Info("gst: audio pipeline created", "uri", cfg.URI)

	return &elements{
		Pipeline: pipeline,
		Source:   playbin,
		Volume:   playbin,
		Panorama: panorama,
	}, nil
}

func newSource(cfg pipelineConfig) (*gst.Element, error) {
	src, err := gst.NewElement("urisourcebin")
	if err != nil {
		return nil, fmt.Errorf("gst: failed to create urisourcebin: %w", err)
	}
	src.SetProperty("uri", cfg.URI)
	src.SetProperty("use-buffering", true)
	if cfg.Settings.CacheTime > 0 {
		src.SetProperty("buffer-duration", int64(cfg.Settings.CacheTime))
	}
	if cfg.Settings.ProbeSizeKB > 0 {
		src.SetProperty("buffer-size", cfg.Settings.ProbeSizeKB*1024)
	}
	return src, nil
}

type audioChain struct {
	queue    *gst.Element
	decode   *gst.Element
	convert  *gst.Element
	resample *gst.Element
	panorama *gst.Element
	volume   *gst.Element
	sink     *gst.Element
}

func newAudioChain(s backend.Settings) (*audioChain, error) {
	names := []string{"queue", "decodebin", "audioconvert", "audioresample", "audiopanorama", "volume", "autoaudiosink"}
	els := make([]*gst.Element, len(names))
	for i, name := range names {
		el, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("gst: failed to create %s: %w", name, err)
		}
		els[i] = el
	}
	c := &audioChain{
		queue:    els[0],
		decode:   els[1],
		convert:  els[2],
		resample: els[3],
		panorama: els[4],
		volume:   els[5],
		sink:     els[6],
	}
	c.panorama.SetProperty("panorama", panoramaFor(s.ChannelMode))
	c.volume.SetProperty("mute", s.Mute)
	return c, nil
}

func (c *audioChain) all() []*gst.Element {
	return []*gst.Element{c.queue, c.decode, c.convert, c.resample, c.panorama, c.volume, c.sink}
}

func (c *audioChain) link() error {
	if err := c.queue.Link(c.decode); err != nil {
		return fmt.Errorf("gst: failed to link audio queue: %w", err)
	}
	if err := gst.ElementLinkMany(c.convert, c.resample, c.panorama, c.volume, c.sink); err != nil {
		return fmt.Errorf("gst: failed to link audio elements: %w", err)
	}
	convert := c.convert
	c.decode.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		linkPad(pad, convert)
	})
	return nil
}

// linkPad links a dynamic src pad to the static sink pad of sinkElement.
func linkPad(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gst: failed to get sink pad", "element", sinkElement.GetName())
		return
	}
	if sinkPad.IsLinked() {
		slog.Debug("gst: sink pad already linked", "element", sinkElement.GetName(), "pad", srcPad.GetName())
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gst: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_element", sinkElement.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gst: pads linked", "src_pad", srcPad.GetName(), "sink_element", sinkElement.GetName())
}

func padMediaKind(pad *gst.Pad) string {
	caps := pad.GetCurrentCaps()
	if caps == nil {
		caps = pad.QueryCaps(nil)
	}
	if caps == nil {
		return ""
	}
	return mediaKind(caps.String())
}

// mediaKind reduces a caps string to "video", "audio" or the raw media type.
func mediaKind(caps string) string {
	media, _, _ := strings.Cut(caps, ",")
	media = strings.TrimSpace(media)
	switch {
	case strings.HasPrefix(media, "video/"):
		return "video"
	case strings.HasPrefix(media, "audio/"):
		return "audio"
	default:
		return media
	}
}

// panoramaFor maps the SDK channel mode (0 stereo, 1 left, 2 right) to the
// audiopanorama position.
func panoramaFor(mode int) float32 {
	switch mode {
	case 1:
		return -1
	case 2:
		return 1
	default:
		return 0
	}
}

const rgbaCaps = "video/x-raw,format=RGBA"

// destroyPipeline sets the pipeline to NULL, releasing its resources.
func destroyPipeline(els *elements) error {
	if els == nil || els.Pipeline == nil {
		return nil
	}
	if err := els.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gst: failed to set pipeline to NULL: %w", err)
	}
	return nil
}
