// Pipeline context owning the stream, images and payloads
package gpu

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Context owns every resource created through it. Destroy releases all of
// them; it is safe to call more than once.
type Context struct {
	backend Backend
	log     logrus.FieldLogger

	mu       sync.Mutex
	stream   *Stream
	images   []*Image
	payloads []*Payload

	destroyOnce sync.Once
	destroyErr  error
	destroyed   bool
}

// Payload is a precomputed warp resource bound to the context's backend
type Payload struct {
	ctx    *Context
	impl   WarpPayload
	closed bool
}

// NewContext creates a context executing on backend
func NewContext(backend Backend, log logrus.FieldLogger) (*Context, error) {
	if backend == nil {
		return nil, newError(OpContextCreate, StatusInvalidArgument, "nil backend")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx := &Context{
		backend: backend,
		log:     log.WithField("backend", backend.Name()),
	}
	ctx.log.Debug("Context created")
	return ctx, nil
}

// CreateStream creates the context's single execution stream
func (c *Context) CreateStream(queueDepth int) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, newError(OpStreamCreate, StatusInvalidOperation, "context destroyed")
	}
	if c.stream != nil {
		return nil, newError(OpStreamCreate, StatusInvalidOperation, "context already has a stream")
	}

	c.stream = newStream(c, queueDepth)
	c.log.WithField("queue_depth", cap(c.stream.queue)).Debug("Stream created")
	return c.stream, nil
}

// CreateImage allocates an image owned by the context
func (c *Context) CreateImage(width, height int, format Format) (*Image, error) {
	if format != FormatBGR8 && format != FormatNV12ER {
		return nil, newError(OpImageCreate, StatusInvalidImageFormat, "unsupported format %s", format)
	}
	if !format.validSize(width, height) {
		return nil, newError(OpImageCreate, StatusInvalidArgument,
			"invalid size %dx%d for %s", width, height, format)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, newError(OpImageCreate, StatusInvalidOperation, "context destroyed")
	}

	mat := gocv.NewMatWithSize(format.matRows(height), width, format.matType())
	if mat.Empty() {
		mat.Close()
		return nil, newError(OpImageCreate, StatusOutOfMemory,
			"allocating %dx%d %s", width, height, format)
	}
	fillBlack(&mat, format, height)

	img := &Image{
		ctx:    c,
		format: format,
		width:  width,
		height: height,
		mat:    mat,
		owned:  true,
	}
	c.images = append(c.images, img)

	c.log.WithFields(logrus.Fields{
		"width":  width,
		"height": height,
		"format": format.String(),
	}).Debug("Image created")
	return img, nil
}

// WrapMat creates a handle around caller-owned storage. The handle keeps the
// Mat's shape for its whole life; see Image.Rebind.
func (c *Context) WrapMat(m gocv.Mat, format Format) (*Image, error) {
	if format != FormatBGR8 && format != FormatNV12ER {
		return nil, newError(OpImageWrap, StatusInvalidImageFormat, "unsupported format %s", format)
	}
	if m.Empty() {
		return nil, newError(OpImageWrap, StatusInvalidArgument, "empty mat")
	}

	width, height := m.Cols(), m.Rows()
	if format == FormatNV12ER {
		height = m.Rows() * 2 / 3
	}
	if !format.validSize(width, height) {
		return nil, newError(OpImageWrap, StatusInvalidArgument,
			"invalid size %dx%d for %s", width, height, format)
	}
	if err := checkMat(format, width, height, m); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, newError(OpImageWrap, StatusInvalidOperation, "context destroyed")
	}

	img := &Image{
		ctx:    c,
		format: format,
		width:  width,
		height: height,
		mat:    m,
	}
	c.images = append(c.images, img)
	return img, nil
}

// Wrap creates a BGR wrapper around m on first use and rebinds it afterwards
func (c *Context) Wrap(img *Image, m gocv.Mat) (*Image, error) {
	if img == nil {
		return c.WrapMat(m, FormatBGR8)
	}
	if err := img.Rebind(m); err != nil {
		return nil, err
	}
	return img, nil
}

// CreatePerspectiveWarp builds the backend's warp payload
func (c *Context) CreatePerspectiveWarp() (*Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, newError(OpPayloadCreate, StatusInvalidOperation, "context destroyed")
	}

	impl, err := c.backend.CreatePerspectiveWarp()
	if err != nil {
		return nil, wrapError(OpPayloadCreate, err)
	}

	p := &Payload{ctx: c, impl: impl}
	c.payloads = append(c.payloads, p)
	return p, nil
}

// Destroy drains and stops the stream, then releases payloads, images and
// the backend. Only the first call does any work.
func (c *Context) Destroy() error {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		stream := c.stream
		payloads := c.payloads
		images := c.images
		c.payloads, c.images = nil, nil
		c.mu.Unlock()

		var errs []error
		if stream != nil {
			stream.destroy()
		}
		for _, p := range payloads {
			if err := p.impl.Close(); err != nil {
				errs = append(errs, err)
			}
			p.closed = true
		}
		for _, img := range images {
			img.release()
		}
		if err := c.backend.Close(); err != nil {
			errs = append(errs, err)
		}

		c.destroyErr = errors.Join(errs...)
		c.log.WithFields(logrus.Fields{
			"images":   len(images),
			"payloads": len(payloads),
		}).Info("Context destroyed")
	})
	return c.destroyErr
}

func (c *Context) busy() bool {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	return s != nil && s.Busy()
}

func fillBlack(m *gocv.Mat, format Format, height int) {
	if format != FormatNV12ER {
		m.SetTo(gocv.NewScalar(0, 0, 0, 0))
		return
	}
	luma := m.RowRange(0, height)
	luma.SetTo(gocv.NewScalar(0, 0, 0, 0))
	luma.Close()

	chroma := m.RowRange(height, format.matRows(height))
	chroma.SetTo(gocv.NewScalar(chromaNeutral, 0, 0, 0))
	chroma.Close()
}

const chromaNeutral = 128
