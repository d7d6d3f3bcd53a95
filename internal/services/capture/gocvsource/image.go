package gocvsource

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// encodeJPEG encodes a BGR mat as JPEG and returns a Go-owned copy of the bytes
func encodeJPEG(mat gocv.Mat, quality int) ([]byte, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("empty mat")
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	native := buf.GetBytes()
	out := make([]byte, len(native))
	copy(out, native)
	return out, nil
}

// frameStats returns the mean gray level and the variance of the Laplacian of a BGR mat.
// A dark or covered lens has a low mean; a defocused or smeared lens has a low variance.
func frameStats(mat gocv.Mat) (brightness, sharpness float64) {
	if mat.Empty() {
		return 0, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	// Stats on a downscaled copy are close enough and much cheaper at 1080p
	small := gocv.NewMat()
	defer small.Close()
	width := gray.Cols()
	if width > 320 {
		height := gray.Rows() * 320 / width
		gocv.Resize(gray, &small, image.Pt(320, height), 0, 0, gocv.InterpolationArea)
	} else {
		gray.CopyTo(&small)
	}

	brightness = small.Mean().Val1

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(small, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)
	sd := stddev.GetDoubleAt(0, 0)
	sharpness = sd * sd
	return brightness, sharpness
}
