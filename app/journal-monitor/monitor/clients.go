package monitor

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/opendrivejournal/tripcast/business/data/journal"
	"github.com/opendrivejournal/tripcast/business/geo"
	"github.com/opendrivejournal/tripcast/foundation/httpclient"
)

//maxSnapPoints is the most waypoints sent to the road snapper in one request
const maxSnapPoints = 100

//reverseGeocoder resolves a coordinate to a human readable address
type reverseGeocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

//roadSnapper projects raw GPS waypoints onto the road network. A nil result
//without error means no match was found.
type roadSnapper interface {
	Snap(ctx context.Context, points journal.WaypointList) (journal.WaypointList, error)
}

//vehicleData is a point-in-time pull from the upstream vehicle provider
type vehicleData struct {
	ShiftState   *string
	Speed        *float64
	SpeedUnit    *string
	OdometerKm   *float64
	Latitude     *float64
	Longitude    *float64
	BatteryLevel *float64
	VehicleState *string
}

//vehicleDataProvider fetches current vehicle data from the upstream API,
//used for auto-enriching state-only events and operator refresh
type vehicleDataProvider interface {
	FetchVehicleData(ctx context.Context, vin string) (*vehicleData, error)
}

//nominatimGeocoder implements reverseGeocoder against a Nominatim-style service
type nominatimGeocoder struct {
	client  *httpclient.Client
	baseUrl string
}

func makeNominatimGeocoder(client *httpclient.Client, baseUrl string) *nominatimGeocoder {
	return &nominatimGeocoder{client: client, baseUrl: strings.TrimSuffix(baseUrl, "/")}
}

func (g *nominatimGeocoder) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	requestUrl := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%s&lon=%s", g.baseUrl,
		url.QueryEscape(fmt.Sprintf("%.6f", lat)), url.QueryEscape(fmt.Sprintf("%.6f", lon)))
	var response struct {
		DisplayName string `json:"display_name"`
	}
	if err := g.client.GetJSON(ctx, requestUrl, &response); err != nil {
		return "", err
	}
	if response.DisplayName == "" {
		return "", fmt.Errorf("geocoder returned no address for %.6f,%.6f", lat, lon)
	}
	return response.DisplayName, nil
}

//osrmSnapper implements roadSnapper against an OSRM match service
type osrmSnapper struct {
	client  *httpclient.Client
	baseUrl string
}

func makeOsrmSnapper(client *httpclient.Client, baseUrl string) *osrmSnapper {
	return &osrmSnapper{client: client, baseUrl: strings.TrimSuffix(baseUrl, "/")}
}

func (o *osrmSnapper) Snap(ctx context.Context, points journal.WaypointList) (journal.WaypointList, error) {
	if len(points) < 2 {
		return nil, nil
	}
	points = geo.Downsample(points, maxSnapPoints)
	coords := make([]string, 0, len(points))
	for _, point := range points {
		coords = append(coords, fmt.Sprintf("%.6f,%.6f", point.Longitude, point.Latitude))
	}
	requestUrl := fmt.Sprintf("%s/match/v1/driving/%s?overview=full&geometries=geojson",
		o.baseUrl, strings.Join(coords, ";"))

	var response struct {
		Code      string `json:"code"`
		Matchings []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"matchings"`
	}
	if err := o.client.GetJSON(ctx, requestUrl, &response); err != nil {
		return nil, err
	}
	if response.Code != "Ok" || len(response.Matchings) == 0 {
		return nil, nil
	}
	var snapped journal.WaypointList
	for _, matching := range response.Matchings {
		for _, coordinate := range matching.Geometry.Coordinates {
			if len(coordinate) < 2 {
				continue
			}
			snapped = append(snapped, journal.Waypoint{Latitude: coordinate[1], Longitude: coordinate[0]})
		}
	}
	return snapped, nil
}

//providerClient implements vehicleDataProvider against the upstream vehicle API
type providerClient struct {
	client  *httpclient.Client
	baseUrl string
}

func makeProviderClient(client *httpclient.Client, baseUrl string) *providerClient {
	return &providerClient{client: client, baseUrl: strings.TrimSuffix(baseUrl, "/")}
}

func (p *providerClient) FetchVehicleData(ctx context.Context, vin string) (*vehicleData, error) {
	requestUrl := fmt.Sprintf("%s/vehicles/%s/data", p.baseUrl, url.PathEscape(vin))
	var response struct {
		State      *string `json:"state"`
		DriveState struct {
			ShiftState *string  `json:"shift_state"`
			Speed      *float64 `json:"speed"`
			Latitude   *float64 `json:"latitude"`
			Longitude  *float64 `json:"longitude"`
		} `json:"drive_state"`
		VehicleState struct {
			Odometer *float64 `json:"odometer"`
		} `json:"vehicle_state"`
		ChargeState struct {
			BatteryLevel *float64 `json:"battery_level"`
		} `json:"charge_state"`
	}
	if err := p.client.GetJSON(ctx, requestUrl, &response); err != nil {
		return nil, err
	}
	data := &vehicleData{
		ShiftState:   response.DriveState.ShiftState,
		Latitude:     response.DriveState.Latitude,
		Longitude:    response.DriveState.Longitude,
		BatteryLevel: response.ChargeState.BatteryLevel,
		//the provider reports odometer in miles
		OdometerKm: odometerMilesToKm(response.VehicleState.Odometer),
	}
	if response.DriveState.Speed != nil {
		unit := "mph"
		data.Speed = response.DriveState.Speed
		data.SpeedUnit = &unit
	}
	if response.State != nil && *response.State != "" {
		normalized := strings.ToLower(*response.State)
		data.VehicleState = &normalized
	}
	return data, nil
}
