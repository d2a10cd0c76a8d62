package main

import (
	"image"
	_ "image/jpeg" // register decoders for image.Decode
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
)

// ===========================================================================
// PAIRED IMAGE DATASET
// ===========================================================================
//
// The model consumes pairs: a magno image to classify and a line drawing
// that guides patch selection. On disk that is two parallel trees with a
// class-per-subdirectory layout:
//
//	magno/cat/0001.png      lines/cat/0001.png
//	magno/cat/0002.png      lines/cat/0002.png
//	magno/dog/0001.png      lines/dog/0001.png
//
// Class names come from the sorted subdirectory names, so labels are
// stable across runs. Every magno image must have a counterpart of the
// same relative path under the lines tree; a missing counterpart is an
// error, not a skip — silent pairing drift would corrupt evaluation.
//
// Images are decoded (PNG or JPEG), rescaled to the configured square
// size with bilinear interpolation, and converted to float tensors in
// [0, 1]: magno to (3, H, W) RGB, line drawing to (1, H, W) luminance.
//
// ===========================================================================

// Sample is one magno/line/label triple, unloaded.
type Sample struct {
	MagnoPath string
	LinePath  string
	Label     int
}

// Batch is a loaded batch with matching batch indices across the three
// fields.
type Batch struct {
	Magno  *Tensor // (B, 3, H, W)
	Lines  *Tensor // (B, 1, H, W)
	Labels []int
}

// PairedDataset indexes a magno/lines directory pair.
type PairedDataset struct {
	samples []Sample
	classes []string
	imgSize int
	workers int
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// OpenPairedDataset scans the two trees and builds the sample index.
// workers bounds concurrent image decodes per batch; 0 means NumCPU.
func OpenPairedDataset(magnoDir, linesDir string, imgSize, workers int) (*PairedDataset, error) {
	if imgSize <= 0 {
		return nil, configErrorf("img_size", "must be positive, got %d", imgSize)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	entries, err := os.ReadDir(magnoDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read magno dir %s", magnoDir)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	if len(classes) == 0 {
		return nil, errors.Errorf("no class subdirectories in %s", magnoDir)
	}

	ds := &PairedDataset{
		classes: classes,
		imgSize: imgSize,
		workers: workers,
	}

	for label, class := range classes {
		classDir := filepath.Join(magnoDir, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "read class dir %s", classDir)
		}

		var names []string
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			linePath := filepath.Join(linesDir, class, name)
			if _, err := os.Stat(linePath); err != nil {
				return nil, errors.Wrapf(err, "missing line drawing for %s/%s", class, name)
			}
			ds.samples = append(ds.samples, Sample{
				MagnoPath: filepath.Join(classDir, name),
				LinePath:  linePath,
				Label:     label,
			})
		}
	}

	if len(ds.samples) == 0 {
		return nil, errors.Errorf("no images found under %s", magnoDir)
	}

	return ds, nil
}

// Len returns the number of samples.
func (d *PairedDataset) Len() int { return len(d.samples) }

// Classes returns the sorted class names; labels index into this slice.
func (d *PairedDataset) Classes() []string { return d.classes }

// NumClasses returns the class count.
func (d *PairedDataset) NumClasses() int { return len(d.classes) }

// ImgSize returns the side length samples are rescaled to.
func (d *PairedDataset) ImgSize() int { return d.imgSize }

// LoadBatch loads samples [start, start+size) into tensors, decoding
// concurrently. size is clamped to the remaining samples.
func (d *PairedDataset) LoadBatch(start, size int) (*Batch, error) {
	if start < 0 || start >= len(d.samples) {
		return nil, errors.Errorf("batch start %d out of range [0,%d)", start, len(d.samples))
	}
	if start+size > len(d.samples) {
		size = len(d.samples) - start
	}

	batch := &Batch{
		Magno:  NewTensor(size, 3, d.imgSize, d.imgSize),
		Lines:  NewTensor(size, 1, d.imgSize, d.imgSize),
		Labels: make([]int, size),
	}

	workers := d.workers
	if workers > size {
		workers = size
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	idx := make(chan int, size)
	errs := make(chan error, size)

	for i := 0; i < size; i++ {
		idx <- i
	}
	close(idx)

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idx {
				if err := d.loadSample(start+i, i, batch); err != nil {
					errs <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, err
	}

	return batch, nil
}

// ForEachBatch iterates the dataset in order, calling fn for every batch.
// The last batch may be smaller than batchSize.
func (d *PairedDataset) ForEachBatch(batchSize int, fn func(*Batch) error) error {
	if batchSize <= 0 {
		return configErrorf("batch_size", "must be positive, got %d", batchSize)
	}

	for start := 0; start < len(d.samples); start += batchSize {
		batch, err := d.LoadBatch(start, batchSize)
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// loadSample decodes sample si into row bi of the batch tensors.
func (d *PairedDataset) loadSample(si, bi int, batch *Batch) error {
	s := d.samples[si]

	magno, err := loadScaledImage(s.MagnoPath, d.imgSize)
	if err != nil {
		return err
	}
	line, err := loadScaledImage(s.LinePath, d.imgSize)
	if err != nil {
		return err
	}

	mRow := batch.Magno.Row(bi) // (3, H, W)
	lRow := batch.Lines.Row(bi) // (1, H, W)

	for y := 0; y < d.imgSize; y++ {
		for x := 0; x < d.imgSize; x++ {
			r, g, b, _ := magno.At(x, y).RGBA()
			mRow.Set(float64(r>>8)/255.0, 0, y, x)
			mRow.Set(float64(g>>8)/255.0, 1, y, x)
			mRow.Set(float64(b>>8)/255.0, 2, y, x)

			lr, lg, lb, _ := line.At(x, y).RGBA()
			// Rec. 601 luminance
			lum := 0.299*float64(lr>>8) + 0.587*float64(lg>>8) + 0.114*float64(lb>>8)
			lRow.Set(lum/255.0, 0, y, x)
		}
	}

	batch.Labels[bi] = s.Label
	return nil
}

// loadScaledImage decodes an image file and rescales it to size×size.
func loadScaledImage(path string, size int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}

	bounds := img.Bounds()
	if bounds.Dx() == size && bounds.Dy() == size {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Src, nil)
	return dst, nil
}
