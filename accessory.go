package camstream

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/log"
	"github.com/brutella/hc/service"
	"github.com/nfnt/resize"
)

var ErrNoFrame = errors.New("no frame available")

// Doorbell exposes the camera to HomeKit as a video doorbell. Only snapshots
// are served; live video stays on the MJPEG endpoint.
type Doorbell struct {
	*accessory.Accessory
	Control           *service.Doorbell
	StreamManagement1 *service.CameraRTPStreamManagement
}

// NewDoorbell returns a Video Doorbell accessory.
func NewDoorbell(info accessory.Info) *Doorbell {
	acc := Doorbell{}
	acc.Accessory = accessory.New(info, accessory.TypeVideoDoorbell)
	acc.Control = service.NewDoorbell()
	acc.AddService(acc.Control.Service)

	acc.StreamManagement1 = service.NewCameraRTPStreamManagement()
	acc.AddService(acc.StreamManagement1.Service)

	return &acc
}

// Ring notifies paired devices that the button was pressed.
func (d *Doorbell) Ring() {
	log.Debug.Println("ring")
	d.Control.ProgrammableSwitchEvent.SetValue(characteristic.ProgrammableSwitchEventSinglePress)
}

// SnapshotImage decodes the newest frame and fits it into width x height.
// Its signature matches the HomeKit camera snapshot callback.
func (s *Service) SnapshotImage(width, height uint) (*image.Image, error) {
	data, ok := s.Latest()
	if !ok {
		return nil, ErrNoFrame
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if width > 0 && height > 0 {
		img = resize.Thumbnail(width, height, img, resize.Bilinear)
	}
	return &img, nil
}
