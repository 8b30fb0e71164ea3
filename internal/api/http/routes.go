package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/config"
	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/geocoder"
	"github.com/i474232898/envirodata/internal/store"
)

var validate = validator.New()

// Environment answers environment queries; *environment.Environment
// implements it.
type Environment interface {
	Get(ctx context.Context, instant time.Time, lon, lat float64, variables []string) (environment.Result, error)
	Metadata() environment.Metadata
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Env      Environment
	Geocoder geocoder.Geocoder
	Cache    *store.MemoryStore
	Period   config.Period
	Version  string
	Log      zerolog.Logger
}

type responseMetadata struct {
	RequestID        string    `json:"request_id"`
	RequestedDateUTC time.Time `json:"requested_date_utc"`
	CreationDate     time.Time `json:"creation_date"`
	Version          string    `json:"version"`
}

type location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type geocoding struct {
	Address  string   `json:"address"`
	Location location `json:"location"`
}

type response struct {
	Metadata    responseMetadata   `json:"metadata"`
	Geocoding   *geocoding         `json:"geocoding,omitempty"`
	Location    location           `json:"location"`
	Environment environment.Result `json:"environment"`
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/environment", func(c *fiber.Ctx) error {
		var req pointQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := d.checkPeriod(req.Date); err != nil {
			return err
		}
		resp, err := d.retrieve(c, req.Date, req.Longitude, req.Latitude, req.Variables)
		if err != nil {
			return err
		}
		return c.JSON(resp)
	})

	v1.Get("/environment/address", func(c *fiber.Ctx) error {
		var req addressQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := d.checkPeriod(req.Date); err != nil {
			return err
		}

		if d.Geocoder == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "geocoding is not configured")
		}
		lon, lat, err := d.Geocoder.Geocode(d.context(c, ""), req.Address)
		if err != nil {
			if errors.Is(err, geocoder.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("geocoding address failed: %v", err))
			}
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("geocoding address failed: %v", err))
		}

		resp, err := d.retrieve(c, req.Date, lon, lat, req.Variables)
		if err != nil {
			return err
		}
		resp.Geocoding = &geocoding{Address: req.Address, Location: resp.Location}
		return c.JSON(resp)
	})

	v1.Get("/metadata", func(c *fiber.Ctx) error {
		return c.JSON(d.Env.Metadata())
	})
}

func (d Deps) context(c *fiber.Ctx, requestID string) context.Context {
	l := d.Log
	if requestID != "" {
		l = l.With().Str("request_id", requestID).Logger()
	}
	return l.WithContext(c.UserContext())
}

func (d Deps) checkPeriod(t time.Time) error {
	if !d.Period.Contains(t) {
		return fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("date %s outside the configured period", t.UTC().Format(time.RFC3339)))
	}
	return nil
}

// retrieve answers from the result cache when possible. Results with a
// failed service are not cached.
func (d Deps) retrieve(c *fiber.Ctx, date time.Time, lon, lat float64, variables []string) (*response, error) {
	id := uuid.NewString()
	resp := &response{
		Metadata: responseMetadata{
			RequestID:        id,
			RequestedDateUTC: date.UTC(),
			CreationDate:     time.Now().UTC(),
			Version:          d.Version,
		},
		Location: location{Longitude: lon, Latitude: lat},
	}

	q := store.Query{Date: date, Longitude: lon, Latitude: lat, Variables: variables}
	if d.Cache != nil {
		if result, err := d.Cache.Get(q); err == nil {
			resp.Environment = result
			return resp, nil
		}
	}

	result, err := d.Env.Get(d.context(c, id), date, lon, lat, variables)
	if err != nil {
		if errors.Is(err, environment.ErrInvalidInstant) {
			return nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return nil, fiber.NewError(fiber.StatusInternalServerError, "failed to compute environment")
	}
	if d.Cache != nil && !failed(result) {
		d.Cache.Save(q, result)
	}
	resp.Environment = result
	return resp, nil
}

func failed(r environment.Result) bool {
	for _, s := range r {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// pointQuery holds query parameters for the coordinate endpoint.
type pointQuery struct {
	Date      time.Time `validate:"required"`
	Longitude float64   `validate:"gte=-180,lte=180"`
	Latitude  float64   `validate:"gte=-90,lte=90"`
	Variables []string
}

func (p *pointQuery) bind(c *fiber.Ctx) error {
	date, err := parseDate(c.Query("date"))
	if err != nil {
		return err
	}
	p.Date = date

	lonStr, latStr := c.Query("lon"), c.Query("lat")
	if lonStr == "" || latStr == "" {
		return errors.New("lon and lat query parameters are required")
	}
	if p.Longitude, err = strconv.ParseFloat(lonStr, 64); err != nil {
		return errors.New("lon must be a number")
	}
	if p.Latitude, err = strconv.ParseFloat(latStr, 64); err != nil {
		return errors.New("lat must be a number")
	}
	p.Variables = splitList(c.Query("variables"))

	return validate.Struct(p)
}

// addressQuery holds query parameters for the address endpoint. The address
// is given whole or in parts.
type addressQuery struct {
	Date      time.Time `validate:"required"`
	Address   string    `validate:"required"`
	Variables []string
}

func (a *addressQuery) bind(c *fiber.Ctx) error {
	date, err := parseDate(c.Query("date"))
	if err != nil {
		return err
	}
	a.Date = date

	a.Address = strings.TrimSpace(c.Query("address"))
	if a.Address == "" {
		a.Address = geocoder.StandardizeAddress(
			c.Query("postcode"), c.Query("city"), c.Query("street"),
			c.Query("house_number"), c.Query("extension"))
	}
	if a.Address == "" {
		return errors.New("address or its parts (postcode, city, street, house_number) are required")
	}
	a.Variables = splitList(c.Query("variables"))

	return validate.Struct(a)
}

// parseDate accepts RFC3339 with a UTC offset or Unix seconds. Timestamps
// without an offset are ambiguous and rejected.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date query parameter is required")
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid date format; use RFC3339 with a UTC offset or unix seconds")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
