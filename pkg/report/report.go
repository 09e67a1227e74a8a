package report

// Package report draws PNG charts of a training run

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/collectkid/speciesml/pkg/eval"
	"github.com/collectkid/speciesml/pkg/iox"
	"github.com/collectkid/speciesml/pkg/train"
	"github.com/fogleman/gg"
)

const (
	Width  = 1200
	Height = 500
	margin = 40.0
)

type rgb struct{ r, g, b float64 }

var (
	colorTrain = rgb{0.2, 0.4, 0.8}
	colorVal   = rgb{0.9, 0.4, 0.1}
	colorBest  = rgb{0.2, 0.7, 0.3}
	colorAxis  = rgb{0.3, 0.3, 0.3}
)

// panel is a rectangle that holds a chart, with y values mapped from [0, yMax]
type panel struct {
	x, y, w, h float64
	xMax       float64
	yMax       float64
}

func (p panel) px(x float64) float64 { return p.x + p.w*x/p.xMax }
func (p panel) py(y float64) float64 { return p.y + p.h - p.h*y/p.yMax }

func (p panel) axes(dc *gg.Context, title string) {
	dc.SetRGB(colorAxis.r, colorAxis.g, colorAxis.b)
	dc.SetLineWidth(1)
	dc.DrawLine(p.x, p.y, p.x, p.y+p.h)
	dc.DrawLine(p.x, p.y+p.h, p.x+p.w, p.y+p.h)
	dc.Stroke()
	dc.DrawStringAnchored(title, p.x+p.w/2, p.y-12, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.2f", p.yMax), p.x-4, p.y, 1, 0.5)
	dc.DrawStringAnchored("0", p.x-4, p.y+p.h, 1, 0.5)
}

func (p panel) series(dc *gg.Context, c rgb, values []float64) {
	dc.SetRGB(c.r, c.g, c.b)
	dc.SetLineWidth(2)
	for i, v := range values {
		x := p.px(float64(i + 1))
		y := p.py(v)
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.Stroke()
	for i, v := range values {
		dc.DrawCircle(p.px(float64(i+1)), p.py(v), 3)
	}
	dc.Fill()
}

// Draw renders loss and accuracy curves for every epoch, and, if metrics is not nil,
// the test accuracy of every class.
func Draw(history *train.History, metrics *eval.Metrics) (*gg.Context, error) {
	if history == nil || len(history.Epochs) == 0 {
		return nil, errors.New("Training history is empty")
	}
	dc := gg.NewContext(Width, Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	n := float64(len(history.Epochs))
	trainLoss := []float64{}
	valLoss := []float64{}
	trainAcc := []float64{}
	valAcc := []float64{}
	maxLoss := 0.0
	for _, e := range history.Epochs {
		trainLoss = append(trainLoss, e.TrainLoss)
		valLoss = append(valLoss, e.ValLoss)
		trainAcc = append(trainAcc, e.TrainAccuracy)
		valAcc = append(valAcc, e.ValAccuracy)
		maxLoss = math.Max(maxLoss, math.Max(e.TrainLoss, e.ValLoss))
	}
	if maxLoss <= 0 || math.IsInf(maxLoss, 0) || math.IsNaN(maxLoss) {
		maxLoss = 1
	}

	nPanels := 2.0
	if metrics != nil {
		nPanels = 3
	}
	pw := (Width - margin*(nPanels+1)) / nPanels
	ph := Height - margin*2.5

	loss := panel{x: margin, y: margin, w: pw, h: ph, xMax: n + 0.5, yMax: maxLoss}
	loss.axes(dc, "Loss")
	loss.series(dc, colorTrain, trainLoss)
	loss.series(dc, colorVal, valLoss)

	acc := panel{x: margin*2 + pw, y: margin, w: pw, h: ph, xMax: n + 0.5, yMax: 1}
	acc.axes(dc, "Accuracy")
	acc.series(dc, colorTrain, trainAcc)
	acc.series(dc, colorVal, valAcc)
	if history.BestEpoch > 0 {
		dc.SetRGB(colorBest.r, colorBest.g, colorBest.b)
		dc.SetDash(4, 4)
		dc.DrawLine(acc.px(float64(history.BestEpoch)), acc.y, acc.px(float64(history.BestEpoch)), acc.y+acc.h)
		dc.Stroke()
		dc.SetDash()
	}

	dc.SetRGB(colorTrain.r, colorTrain.g, colorTrain.b)
	dc.DrawString("train", margin, Height-margin/2)
	dc.SetRGB(colorVal.r, colorVal.g, colorVal.b)
	dc.DrawString("validation", margin+60, Height-margin/2)

	if metrics != nil && len(metrics.PerClass) != 0 {
		bars := panel{x: margin*3 + pw*2, y: margin, w: pw, h: ph, xMax: float64(len(metrics.PerClass)), yMax: 1}
		bars.axes(dc, fmt.Sprintf("Test accuracy per class (top-1 %.3f)", metrics.Top1))
		bw := bars.w / float64(len(metrics.PerClass))
		dc.SetRGB(colorVal.r, colorVal.g, colorVal.b)
		for i, c := range metrics.PerClass {
			top := bars.py(c.Accuracy)
			dc.DrawRectangle(bars.px(float64(i))+1, top, math.Max(bw-2, 1), bars.y+bars.h-top)
		}
		dc.Fill()
	}
	return dc, nil
}

// WritePNG draws the report and atomically writes it to filename
func WritePNG(filename string, history *train.History, metrics *eval.Metrics) error {
	dc, err := Draw(history, metrics)
	if err != nil {
		return err
	}
	return iox.WriteFileAtomic(filename, func(w io.Writer) error {
		return dc.EncodePNG(w)
	})
}
