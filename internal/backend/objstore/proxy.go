// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"sync"
)

// Proxy for the ObjectStore which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like chunk collection do not slow down the requests
// the gateway waits for.
type ObjectProxy struct {
	Instance ObjectStore

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit chan struct{}
	wg   sync.WaitGroup
}

type kind int

const (
	upload kind = iota
	download
	remove
)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	kind   kind
	key    uint64
	data   []byte
	offset int64
	done   chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers. Deletes are served by
// the upload workers on the low priority channel.
func NewProxy(storeInstance ObjectStore, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}
	if downloaders < 1 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	p.wg.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads)
	}

	return p
}

// Proxy function for uploading the chunk with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Upload(key uint64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.submit(c, request{kind: upload, key: key, data: body})
}

// Proxy function for downloading the chunk with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key uint64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.submit(c, request{kind: download, key: key, data: chunk, offset: offset})
}

// Proxy function for deleting the chunk with key. Deletes are always low
// priority.
func (p *ObjectProxy) Delete(key uint64) error {
	return p.submit(p.uploads, request{kind: remove, key: key})
}

// Stops all workers. Requests submitted afterwards fail with ErrClosed.
func (p *ObjectProxy) Close() {
	close(p.quit)
	p.wg.Wait()
}

func (p *ObjectProxy) submit(c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case c <- r:
	case <-p.quit:
		return ErrClosed
	}

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closed.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
		return r, true
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Worker calls the instance provided in NewProxy() for every request.
func (p *ObjectProxy) worker(prio chan request, normal chan request) {
	defer p.wg.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}

		var err error
		switch r.kind {
		case upload:
			err = p.Instance.Upload(r.key, r.data)
		case download:
			err = p.Instance.DownloadAt(r.key, r.data, r.offset)
		case remove:
			err = p.Instance.Delete(r.key)
		}
		r.done <- err
	}
}
