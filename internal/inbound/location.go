package inbound

import (
	"encoding/xml"
	"fmt"
	"time"
)

// kmlDocument is the minimal subset of a Delta Chat location.kml/message.kml
// attachment this engine understands: a flat list of placemarks, each an
// instantaneous position fix. Tracks and POIs share this shape.
type kmlDocument struct {
	XMLName   xml.Name `xml:"kml"`
	Placemark []struct {
		Timestamp string `xml:"timestamp,attr"`
		Accuracy  string `xml:"accuracy,attr"`
		Point     struct {
			Coordinates string `xml:"coordinates"`
		} `xml:"Point"`
	} `xml:"Document>Placemark"`
}

type kmlPoint struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// parseKML extracts every placemark from a location/message KML attachment.
// No third-party KML/XML library exists anywhere in the reference corpus,
// so this is a direct stdlib encoding/xml decode (see DESIGN.md).
func parseKML(data []byte) ([]kmlPoint, error) {
	var doc kmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("inbound: parse kml: %w", err)
	}

	points := make([]kmlPoint, 0, len(doc.Placemark))
	for _, pm := range doc.Placemark {
		var lat, lon, acc float64
		var ts int64
		if _, err := fmt.Sscanf(pm.Point.Coordinates, "%f,%f", &lon, &lat); err != nil {
			continue
		}
		fmt.Sscanf(pm.Accuracy, "%f", &acc)
		fmt.Sscanf(pm.Timestamp, "%d", &ts)

		p := kmlPoint{Latitude: lat, Longitude: lon, Accuracy: acc}
		if ts > 0 {
			p.Timestamp = time.Unix(ts, 0)
		} else {
			p.Timestamp = time.Now()
		}
		points = append(points, p)
	}
	return points, nil
}
