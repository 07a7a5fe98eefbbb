// Package voicewire streams live audio between two peers over UDP and
// keeps playback smooth despite variable network delay.
//
// The pipeline has three cooperating components. The transmitter
// fragments captured PCM chunks into datagrams carrying a fixed 24-byte
// header and sends them best-effort. The receiver reassembles fragments
// back into chunks, tracks sequence gaps for loss accounting, and
// buffers completed chunks in a bounded playback queue. The adaptive
// synchronizer watches latency, jitter, and loss and resizes that queue
// at runtime so the session trades the minimum buffering for the
// observed network conditions.
//
// Example:
//
//	sink := audio.SinkFunc(func(pcm []int16) error {
//	    return speaker.Write(pcm)
//	})
//
//	pipe, err := voicewire.New(voicewire.DefaultConfig(), sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pipe.Close()
//
//	if err := pipe.SetTarget("198.51.100.7:5001"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := pipe.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Capture collaborator feeds chunks as they arrive.
//	pipe.Submit(audio.NewChunk(samples, time.Now()))
//
// Out of scope: congestion control, retransmission, FEC,
// encryption, inter-peer clock synchronization, and codecs. Capture and
// playback hardware are collaborators behind the Submit call and the
// PlaybackSink interface.
package voicewire
