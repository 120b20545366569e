package imagelist

// The structures below follow the cereal JSON archive layout OpenMVG reads.
// Polymorphic and shared pointer ids carry the high bit on first use.

const (
	sfmDataVersion = "0.3"

	// undefinedIndex marks a view without a known intrinsic or pose.
	undefinedIndex = 4294967295

	newPointerBit     = 2147483648
	viewPolymorphicID = 1073741824
	intrinsicTypeName = "pinhole_radial_k3"
)

type sfmData struct {
	Version       string        `json:"sfm_data_version"`
	RootPath      string        `json:"root_path"`
	Views         []viewEntry   `json:"views"`
	Intrinsics    []intrinsicKV `json:"intrinsics"`
	Extrinsics    []any         `json:"extrinsics"`
	Structure     []any         `json:"structure"`
	ControlPoints []any         `json:"control_points"`
}

type viewEntry struct {
	Key   int       `json:"key"`
	Value viewValue `json:"value"`
}

type viewValue struct {
	PolymorphicID int64       `json:"polymorphic_id"`
	Ptr           viewPointer `json:"ptr_wrapper"`
}

type viewPointer struct {
	ID   int64    `json:"id"`
	Data viewData `json:"data"`
}

type viewData struct {
	LocalPath   string `json:"local_path"`
	Filename    string `json:"filename"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	IDView      int64  `json:"id_view"`
	IDIntrinsic int64  `json:"id_intrinsic"`
	IDPose      int64  `json:"id_pose"`
}

type intrinsicKV struct {
	Key   int            `json:"key"`
	Value intrinsicValue `json:"value"`
}

type intrinsicValue struct {
	PolymorphicID   int64            `json:"polymorphic_id"`
	PolymorphicName string           `json:"polymorphic_name,omitempty"`
	Ptr             intrinsicPointer `json:"ptr_wrapper"`
}

type intrinsicPointer struct {
	ID   int64         `json:"id"`
	Data intrinsicData `json:"data"`
}

type intrinsicData struct {
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	FocalLength    float64    `json:"focal_length"`
	PrincipalPoint [2]float64 `json:"principal_point"`
	DistoK3        [3]float64 `json:"disto_k3"`
}

// intrinsicKey identifies one camera: images of equal size and focal share
// an intrinsic.
type intrinsicKey struct {
	w, h  int
	focal float64
}

// builder accumulates views and groups them under shared intrinsics.
type builder struct {
	root       string
	views      []viewData
	intrinsics []intrinsicKey
	byKey      map[intrinsicKey]int
}

func newBuilder(root string) *builder {
	return &builder{root: root, byKey: make(map[intrinsicKey]int)}
}

// addView appends a view. A focal of zero leaves its intrinsic undefined.
func (b *builder) addView(name string, w, h int, focal float64) {
	id := int64(len(b.views))
	v := viewData{
		Filename:    name,
		Width:       w,
		Height:      h,
		IDView:      id,
		IDIntrinsic: undefinedIndex,
		IDPose:      id,
	}
	if focal > 0 {
		k := intrinsicKey{w, h, focal}
		idx, ok := b.byKey[k]
		if !ok {
			idx = len(b.intrinsics)
			b.intrinsics = append(b.intrinsics, k)
			b.byKey[k] = idx
		}
		v.IDIntrinsic = int64(idx)
	}
	b.views = append(b.views, v)
}

func (b *builder) document() sfmData {
	doc := sfmData{
		Version:       sfmDataVersion,
		RootPath:      b.root,
		Views:         make([]viewEntry, 0, len(b.views)),
		Intrinsics:    make([]intrinsicKV, 0, len(b.intrinsics)),
		Extrinsics:    []any{},
		Structure:     []any{},
		ControlPoints: []any{},
	}

	ptr := int64(newPointerBit)
	for i, v := range b.views {
		ptr++
		doc.Views = append(doc.Views, viewEntry{
			Key:   i,
			Value: viewValue{PolymorphicID: viewPolymorphicID, Ptr: viewPointer{ID: ptr, Data: v}},
		})
	}
	for i, k := range b.intrinsics {
		ptr++
		val := intrinsicValue{
			PolymorphicID: 1,
			Ptr: intrinsicPointer{ID: ptr, Data: intrinsicData{
				Width:          k.w,
				Height:         k.h,
				FocalLength:    k.focal,
				PrincipalPoint: [2]float64{float64(k.w) / 2, float64(k.h) / 2},
			}},
		}
		if i == 0 {
			val.PolymorphicID = newPointerBit + 1
			val.PolymorphicName = intrinsicTypeName
		}
		doc.Intrinsics = append(doc.Intrinsics, intrinsicKV{Key: i, Value: val})
	}
	return doc
}
