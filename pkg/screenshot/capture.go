// Package screenshot captures regions of the running preview in a
// headless browser driven over the DevTools protocol.
package screenshot

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultWidth  = 1280
	defaultHeight = 800
	loadTimeout   = 15 * time.Second
)

// Capturer keeps one browser page pointed at the preview URL and grabs
// regions of it on demand.
type Capturer struct {
	cfg    config.ScreenshotConfig
	url    func() string
	logger *logrus.Entry

	mu      sync.Mutex
	launch  *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
	pageURL string
}

// New returns a capturer for the preview served at the URL url returns.
// The browser starts lazily on the first capture.
func New(cfg config.ScreenshotConfig, url func() string, logger *logrus.Entry) *Capturer {
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultHeight
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Capturer{cfg: cfg, url: url, logger: logger}
}

// CaptureRegion returns a PNG of rect on the preview page.
func (c *Capturer) CaptureRegion(ctx context.Context, rect models.Rect) ([]byte, error) {
	if rect.Empty() {
		return nil, errors.New(errors.ErrCodeInvalidInput, "capture region has no area")
	}
	url := ""
	if c.url != nil {
		url = c.url()
	}
	if url == "" {
		return nil, errors.New(errors.ErrCodeBackendNotReady, "preview is not running")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.pageLocked(ctx, url)
	if err != nil {
		return nil, err
	}

	img, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      rect.X,
			Y:      rect.Y,
			Width:  rect.Width,
			Height: rect.Height,
			Scale:  1,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeScreenshotFailed, "capture failed")
	}
	c.logger.WithFields(logrus.Fields{"bytes": len(img), "width": rect.Width, "height": rect.Height}).Debug("Captured preview region")
	return img, nil
}

func (c *Capturer) pageLocked(ctx context.Context, url string) (*rod.Page, error) {
	if c.browser == nil {
		if err := c.startLocked(ctx); err != nil {
			return nil, err
		}
	}

	if c.page == nil {
		page, err := c.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeScreenshotFailed, "create page")
		}
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             c.cfg.ViewportWidth,
			Height:            c.cfg.ViewportHeight,
			DeviceScaleFactor: 1.0,
		}).Call(page); err != nil {
			c.logger.WithError(err).Warn("Failed to set viewport")
		}
		c.page = page
		c.pageURL = ""
	}

	if c.pageURL != url {
		page := c.page.Context(ctx).Timeout(loadTimeout)
		if err := page.Navigate(url); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeScreenshotFailed, "navigate to preview").WithDetail("url", url)
		}
		if err := page.WaitLoad(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeScreenshotFailed, "wait for preview load").WithDetail("url", url)
		}
		c.pageURL = url
	}
	return c.page, nil
}

func (c *Capturer) startLocked(ctx context.Context) error {
	l := launcher.New().Headless(c.cfg.IsHeadless())
	if c.cfg.BrowserBin != "" {
		l = l.Bin(c.cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeScreenshotFailed, "launch browser")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return errors.Wrap(err, errors.ErrCodeScreenshotFailed, "connect to browser")
	}
	c.launch = l
	c.browser = browser
	c.logger.Debug("Capture browser started")
	return nil
}

// Close shuts the browser down.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	c.launch.Kill()
	c.launch.Cleanup()
	c.browser, c.page, c.launch, c.pageURL = nil, nil, nil, ""
	return err
}
