// Package renderer draws forecast map images: the route over an optional tile
// background, start and finish markers, wind arrows and a legend card.
package renderer

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/geo"
	"github.com/sergeycw/windline/internal/weather"
)

const (
	MimeTypePNG = "image/png"

	DefaultWidth  = 800
	DefaultHeight = 600

	mapPadding   = 30
	markerRadius = 8

	// markers closer than this in degrees are drawn once
	samePointEpsilon = 0.0001
)

// Palette holds the colors and stroke widths of the map overlay.
type Palette struct {
	Route        string
	RouteWidth   float64
	Halo         string
	HaloWidth    float64
	Start        string
	Finish       string
	WindArrow    string
	ArrowOutline string
	Background   string
}

var DefaultPalette = Palette{
	Route:        "#7C3AED",
	RouteWidth:   4,
	Halo:         "#DDD6FE",
	HaloWidth:    8,
	Start:        "#22C55E",
	Finish:       "#EF4444",
	WindArrow:    "#DC2626",
	ArrowOutline: "#FFFFFF",
	Background:   "#F3F4F6",
}

type RouteData struct {
	Points   []geo.Point
	Name     string
	Distance int
}

type ForecastData struct {
	Summary    weather.ForecastSummary
	WindImpact weather.WindImpact
	Date       string
	StartHour  int
}

type RenderInput struct {
	Route       RouteData
	Forecast    ForecastData
	WindMarkers []weather.WindMarker
}

type RenderResult struct {
	Bytes    []byte
	MimeType string
}

// MapRenderer turns a route with its forecast into an image.
type MapRenderer interface {
	RenderMap(ctx context.Context, in RenderInput) (RenderResult, error)
}

type Options struct {
	Width   int
	Height  int
	Palette *Palette

	// Tiles is the map background; nil draws a flat background.
	Tiles      *TileSource
	HTTPClient *http.Client
	// TileRate limits tile downloads per second.
	TileRate float64
	// Timeout bounds tile downloads for one image.
	Timeout time.Duration
}

// Renderer implements MapRenderer with fogleman/gg. It is safe for
// concurrent use.
type Renderer struct {
	width, height int
	palette       Palette
	timeout       time.Duration
	tiles         *tileFetcher
	regular, bold *truetype.Font
}

func New(opts Options) (*Renderer, error) {
	regular, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	bold, err := truetype.Parse(gobold.TTF)
	if err != nil {
		return nil, err
	}

	r := &Renderer{
		width:   opts.Width,
		height:  opts.Height,
		palette: DefaultPalette,
		timeout: opts.Timeout,
		regular: regular,
		bold:    bold,
	}
	if r.width <= 0 {
		r.width = DefaultWidth
	}
	if r.height <= 0 {
		r.height = DefaultHeight
	}
	if opts.Palette != nil {
		r.palette = *opts.Palette
	}
	if opts.Tiles != nil {
		client := opts.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		r.tiles = newTileFetcher(opts.Tiles, client, opts.TileRate)
	}
	return r, nil
}

func (r *Renderer) RenderMap(ctx context.Context, in RenderInput) (RenderResult, error) {
	points := in.Route.Points
	if len(points) == 0 {
		return RenderResult{}, apperrors.Render("renderer", "route has no points", nil)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	vp := fitViewport(points, r.width, r.height)
	dc := gg.NewContext(r.width, r.height)
	dc.SetHexColor(r.palette.Background)
	dc.Clear()

	if r.tiles != nil {
		if err := r.drawTiles(ctx, dc, vp); err != nil {
			return RenderResult{}, apperrors.Render("renderer", "map tiles unavailable", err)
		}
	}

	r.drawRoute(dc, vp, points)
	for _, m := range in.WindMarkers {
		x, y := vp.toPixel(m.Lat, m.Lon)
		r.drawWindArrow(dc, x, y, m.WindDirection, m.WindSpeed)
	}
	r.drawStartFinish(dc, vp, points)
	r.drawLegend(dc, in)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return RenderResult{}, apperrors.Render("renderer", "encode png", err)
	}
	return RenderResult{Bytes: buf.Bytes(), MimeType: MimeTypePNG}, nil
}

// viewport maps world pixels at zoom onto the image.
type viewport struct {
	zoom             int
	originX, originY float64
	width, height    int
}

func (v viewport) toPixel(lat, lon float64) (float64, float64) {
	x, y := worldPixel(lat, lon, v.zoom)
	return x - v.originX, y - v.originY
}

// fitViewport picks the highest zoom at which the route's bounding box fits
// inside the padded image and centers the box.
func fitViewport(points []geo.Point, width, height int) viewport {
	availW := float64(width - 2*mapPadding)
	availH := float64(height - 2*mapPadding)

	zoom := 0
	var minX, minY, maxX, maxY float64
	for z := maxZoom; z >= 0; z-- {
		minX, minY, maxX, maxY = pixelBounds(points, z)
		if maxX-minX <= availW && maxY-minY <= availH {
			zoom = z
			break
		}
	}
	return viewport{
		zoom:    zoom,
		originX: (minX+maxX)/2 - float64(width)/2,
		originY: (minY+maxY)/2 - float64(height)/2,
		width:   width,
		height:  height,
	}
}

func pixelBounds(points []geo.Point, zoom int) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		x, y := worldPixel(p.Lat, p.Lon, zoom)
		minX, maxX = min(minX, x), max(maxX, x)
		minY, maxY = min(minY, y), max(maxY, y)
	}
	return minX, minY, maxX, maxY
}

// drawTiles fails only when no tile at all could be loaded.
func (r *Renderer) drawTiles(ctx context.Context, dc *gg.Context, vp viewport) error {
	n := 1 << vp.zoom
	x0 := int(math.Floor(vp.originX / tileSize))
	y0 := int(math.Floor(vp.originY / tileSize))
	x1 := int(math.Floor((vp.originX + float64(vp.width)) / tileSize))
	y1 := int(math.Floor((vp.originY + float64(vp.height)) / tileSize))

	var loaded int
	var lastErr error
	for tx := x0; tx <= x1; tx++ {
		for ty := y0; ty <= y1; ty++ {
			if ty < 0 || ty >= n {
				continue
			}
			img, err := r.tiles.tile(ctx, vp.zoom, ((tx%n)+n)%n, ty)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lastErr = err
				logrus.WithError(err).WithField("tiles", r.tiles.source.Name).Warn("map tile skipped")
				continue
			}
			loaded++
			dc.DrawImage(img,
				int(math.Round(float64(tx*tileSize)-vp.originX)),
				int(math.Round(float64(ty*tileSize)-vp.originY)))
		}
	}
	if loaded == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (r *Renderer) drawRoute(dc *gg.Context, vp viewport, points []geo.Point) {
	if len(points) < 2 {
		return
	}
	trace := func() {
		for i, p := range points {
			x, y := vp.toPixel(p.Lat, p.Lon)
			if i == 0 {
				dc.MoveTo(x, y)
			} else {
				dc.LineTo(x, y)
			}
		}
	}

	dc.SetLineCapRound()
	dc.SetLineJoinRound()

	trace()
	dc.SetHexColor(r.palette.Halo)
	dc.SetLineWidth(r.palette.HaloWidth)
	dc.Stroke()

	trace()
	dc.SetHexColor(r.palette.Route)
	dc.SetLineWidth(r.palette.RouteWidth)
	dc.Stroke()
}

// drawWindArrow draws an arrow pointing downwind. windFrom is the
// meteorological direction the wind comes from.
func (r *Renderer) drawWindArrow(dc *gg.Context, x, y, windFrom, speed float64) {
	length := 18 + math.Min(speed, 40)/40*14
	half := length / 2
	const shaft, head, headLen = 3.0, 7.0, 8.0

	dc.Push()
	dc.Translate(x, y)
	dc.Rotate(gg.Radians(windFrom + 180))
	dc.MoveTo(-shaft, half)
	dc.LineTo(shaft, half)
	dc.LineTo(shaft, -half+headLen)
	dc.LineTo(head, -half+headLen)
	dc.LineTo(0, -half)
	dc.LineTo(-head, -half+headLen)
	dc.LineTo(-shaft, -half+headLen)
	dc.ClosePath()
	dc.SetHexColor(r.palette.WindArrow)
	dc.FillPreserve()
	dc.SetHexColor(r.palette.ArrowOutline)
	dc.SetLineWidth(1.5)
	dc.Stroke()
	dc.Pop()
}

func (r *Renderer) drawStartFinish(dc *gg.Context, vp viewport, points []geo.Point) {
	start, finish := points[0], points[len(points)-1]
	r.drawMarker(dc, vp, start, r.palette.Start)

	if math.Abs(start.Lat-finish.Lat) < samePointEpsilon && math.Abs(start.Lon-finish.Lon) < samePointEpsilon {
		return
	}
	r.drawMarker(dc, vp, finish, r.palette.Finish)
}

func (r *Renderer) drawMarker(dc *gg.Context, vp viewport, p geo.Point, fill string) {
	x, y := vp.toPixel(p.Lat, p.Lon)
	dc.DrawCircle(x, y, markerRadius)
	dc.SetHexColor(fill)
	dc.FillPreserve()
	dc.SetHexColor("#FFFFFF")
	dc.SetLineWidth(2)
	dc.Stroke()
}

func (r *Renderer) drawLegend(dc *gg.Context, in RenderInput) {
	lines := legendLines(in)
	h := cardHeight(len(lines))
	x, y := cardOrigin(leastDenseCorner(in.Route.Points), r.width, r.height, h)

	dc.SetRGBA(0, 0, 0, 0.15)
	dc.DrawRoundedRectangle(x, y+cardShadowOffset, cardWidth, h, cardRadius)
	dc.Fill()
	dc.SetRGBA(1, 1, 1, 0.92)
	dc.DrawRoundedRectangle(x, y, cardWidth, h, cardRadius)
	dc.Fill()

	titleFace := truetype.NewFace(r.bold, &truetype.Options{Size: cardTitleSize})
	textFace := truetype.NewFace(r.regular, &truetype.Options{Size: cardTextSize})

	textY := y + cardPadding + cardLineHeight - 4
	for _, line := range lines {
		if line.Title {
			dc.SetFontFace(titleFace)
		} else {
			dc.SetFontFace(textFace)
		}
		dc.SetHexColor(line.Color)
		dc.DrawString(truncate(dc, line.Text, cardWidth-2*cardPadding), x+cardPadding, textY)
		textY += cardLineHeight
	}
}

// truncate shortens s with an ellipsis until it fits maxWidth pixels.
func truncate(dc *gg.Context, s string, maxWidth float64) string {
	if w, _ := dc.MeasureString(s); w <= maxWidth {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "…"
		if w, _ := dc.MeasureString(candidate); w <= maxWidth {
			return candidate
		}
	}
	return ""
}
