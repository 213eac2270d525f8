package classifier

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/cricket/internal/models"
)

// DefaultShotLabels is the class order of the bundled shot model.
var DefaultShotLabels = []string{"Sweep", "Drive", "Pullshot", "Leg Glance-Flick"}

type ONNXOptions struct {
	ModelPath  string
	InputName  string
	OutputName string
	InputSize  int
	Labels     []string
}

// ONNXClassifier runs an image classification model in-process. The ONNX
// runtime environment must be initialized by the caller.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputSize    int
	labels       []string
}

func NewONNXClassifier(opts ONNXOptions) (*ONNXClassifier, error) {
	labels := opts.Labels
	if len(labels) == 0 {
		labels = DefaultShotLabels
	}
	size := int64(opts.InputSize)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(labels))))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create classifier session: %w", err)
	}

	return &ONNXClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputSize:    opts.InputSize,
		labels:       labels,
	}, nil
}

func (c *ONNXClassifier) Name() string { return "onnx" }

func (c *ONNXClassifier) Classify(ctx context.Context, req Request) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := decodeImage(req.ImagePath)
	if err != nil {
		return nil, &ExecutionError{ExitCode: -1, Err: err}
	}
	input := imageToFloat32CHW(img, c.inputSize, c.inputSize, imageNetMean, imageNetStd)

	c.mu.Lock()
	copy(c.inputTensor.GetData(), input)
	if err := c.session.Run(); err != nil {
		c.mu.Unlock()
		return nil, &ExecutionError{ExitCode: -1, Err: fmt.Errorf("run classifier: %w", err)}
	}
	logits := make([]float32, len(c.labels))
	copy(logits, c.outputTensor.GetData())
	c.mu.Unlock()

	dets := []models.Detection{topDetection(logits, c.labels)}
	if err := ValidateDetections(dets); err != nil {
		return nil, &OutputError{Raw: fmt.Sprint(logits), Reason: err.Error()}
	}
	return dets, nil
}

func topDetection(logits []float32, labels []string) models.Detection {
	probs := softmax(logits)
	top := argmax(probs)

	name := strconv.Itoa(top)
	if top < len(labels) {
		name = labels[top]
	}
	classID := top
	return models.Detection{
		Type:      "classification",
		ClassID:   &classID,
		ClassName: name,
		Conf:      float64(probs[top]),
		Model:     "onnx",
	}
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (c *ONNXClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
	}
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
}

// InitRuntime loads the shared onnxruntime library. The returned func
// tears the environment down.
func InitRuntime(libraryPath string) (func(), error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnx runtime: %w", err)
	}
	return func() { ort.DestroyEnvironment() }, nil
}
