package renderer

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sergeycw/windline/internal/metrics"
)

const (
	tileSize       = 256
	maxZoom        = 17
	maxCachedTiles = 512
	userAgent      = "Windline-Bot/1.0 (weather forecast for cycling routes)"

	DefaultStadiaStyle = "stamen_terrain"
)

// TileSource is a slippy-map tile server. URL contains {z}, {x} and {y}.
type TileSource struct {
	Name    string
	URL     string
	Headers map[string]string
}

// TileSourceFor returns the tile server for a configured provider name.
// "none" and "" mean no background.
func TileSourceFor(provider, stadiaAPIKey string) (*TileSource, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "osm":
		return &TileSource{Name: "osm", URL: "https://tile.openstreetmap.org/{z}/{x}/{y}.png"}, nil
	case "stadia":
		if stadiaAPIKey == "" {
			return nil, fmt.Errorf("stadia tiles require an API key")
		}
		return &TileSource{
			Name: "stadia",
			URL:  "https://tiles.stadiamaps.com/tiles/" + DefaultStadiaStyle + "/{z}/{x}/{y}.png?api_key=" + stadiaAPIKey,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tile provider %q", provider)
	}
}

// worldPixel projects lat/lon to Web Mercator pixel coordinates at zoom.
func worldPixel(lat, lon float64, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180
	x := (lon + 180) / 360 * n
	y := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n
	return x * tileSize, y * tileSize
}

type tileFetcher struct {
	source  *TileSource
	client  *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]image.Image
}

func newTileFetcher(source *TileSource, client *http.Client, rps float64) *tileFetcher {
	if rps <= 0 {
		rps = 5
	}
	return &tileFetcher{
		source:  source,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 4),
		cache:   make(map[string]image.Image),
	}
}

func (f *tileFetcher) tile(ctx context.Context, z, x, y int) (image.Image, error) {
	key := fmt.Sprintf("%d/%d/%d", z, x, y)
	f.mu.Lock()
	if img, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return img, nil
	}
	f.mu.Unlock()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(f.source.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range f.source.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.MapTilesFetched.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("download tile %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.MapTilesFetched.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("download tile %s: status %d", key, resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		metrics.MapTilesFetched.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode tile %s: %w", key, err)
	}
	metrics.MapTilesFetched.WithLabelValues("ok").Inc()

	f.mu.Lock()
	if len(f.cache) >= maxCachedTiles {
		clear(f.cache)
	}
	f.cache[key] = img
	f.mu.Unlock()
	return img, nil
}
