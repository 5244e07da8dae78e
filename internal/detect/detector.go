// ArUco fiducial detection on live frames
package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"marker-warp/internal/geometry"
)

var dictionaries = map[string]gocv.ArucoDictionaryCode{
	"4x4_50":         gocv.ArucoDict4x4_50,
	"4x4_100":        gocv.ArucoDict4x4_100,
	"4x4_250":        gocv.ArucoDict4x4_250,
	"5x5_50":         gocv.ArucoDict5x5_50,
	"5x5_100":        gocv.ArucoDict5x5_100,
	"6x6_50":         gocv.ArucoDict6x6_50,
	"6x6_250":        gocv.ArucoDict6x6_250,
	"7x7_50":         gocv.ArucoDict7x7_50,
	"aruco_original": gocv.ArucoDictArucoOriginal,
}

// DefaultDictionary is OpenCV predefined dictionary 0
const DefaultDictionary = "4x4_50"

// Dictionaries lists the accepted dictionary names
func Dictionaries() []string {
	names := make([]string, 0, len(dictionaries))
	for name := range dictionaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidDictionary reports whether name is a known predefined dictionary
func ValidDictionary(name string) bool {
	_, ok := dictionaries[strings.ToLower(name)]
	return ok
}

// Detector finds ArUco markers in BGR frames
type Detector struct {
	aruco      gocv.ArucoDetector
	dictionary string
	color      gocv.Scalar
	logger     logrus.FieldLogger
}

// New creates a detector for the named predefined dictionary
func New(dictionary string, logger logrus.FieldLogger) (*Detector, error) {
	code, ok := dictionaries[strings.ToLower(dictionary)]
	if !ok {
		return nil, fmt.Errorf("unknown marker dictionary %q (available: %s)",
			dictionary, strings.Join(Dictionaries(), ", "))
	}

	dict := gocv.GetPredefinedDictionary(code)
	params := gocv.NewArucoDetectorParameters()

	d := &Detector{
		aruco:      gocv.NewArucoDetectorWithParams(dict, params),
		dictionary: strings.ToLower(dictionary),
		color:      gocv.NewScalar(0, 255, 0, 0),
		logger:     logger,
	}

	logger.WithField("dictionary", d.dictionary).Debug("Marker detector ready")
	return d, nil
}

// Detect returns every marker found in frame. Candidates that do not carry
// exactly four corners are dropped.
func (d *Detector) Detect(frame gocv.Mat) []geometry.Marker {
	if frame.Empty() {
		return nil
	}

	corners, ids, _ := d.aruco.DetectMarkers(frame)
	if len(ids) == 0 {
		return nil
	}

	markers := make([]geometry.Marker, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) != 4 {
			d.logger.WithField("id", id).Debug("Dropping marker with malformed corners")
			continue
		}
		m := geometry.Marker{ID: id}
		for k, c := range corners[i] {
			m.Corners[k] = geometry.Pt(float64(c.X), float64(c.Y))
		}
		markers = append(markers, m)
	}

	return markers
}

// Annotate draws marker outlines and ids onto dst
func (d *Detector) Annotate(dst *gocv.Mat, markers []geometry.Marker) {
	if len(markers) == 0 {
		return
	}
	corners, ids := toAruco(markers)
	if err := gocv.ArucoDrawDetectedMarkers(*dst, corners, ids, d.color); err != nil {
		d.logger.WithError(err).WithField("ids", ids).Warn("Failed to draw markers")
	}
}

func (d *Detector) Close() error {
	if err := d.aruco.Close(); err != nil {
		return fmt.Errorf("closing aruco detector: %w", err)
	}
	return nil
}

func toAruco(markers []geometry.Marker) ([][]gocv.Point2f, []int) {
	corners := make([][]gocv.Point2f, len(markers))
	ids := make([]int, len(markers))
	for i, m := range markers {
		ids[i] = m.ID
		corners[i] = make([]gocv.Point2f, len(m.Corners))
		for k, c := range m.Corners {
			corners[i][k] = gocv.Point2f{X: float32(c.X), Y: float32(c.Y)}
		}
	}
	return corners, ids
}
