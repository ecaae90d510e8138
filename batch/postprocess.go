package batch

import (
	"bytes"
	"fmt"
	"hash/fnv"
	stdimage "image"
	"image/color"
	"image/png"
	"strconv"
	"strings"

	_ "image/jpeg" // 上游偶尔返回 JPEG

	"golang.org/x/image/draw"
)

// parseAspect 解析 "16:9" 形式的宽高比
func parseAspect(s string) (int, int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// NormalizeAspect 将图像居中裁剪到目标宽高比，并在长边超过 maxDim 时
// 用 CatmullRom 缩小。解码失败或无需调整时原样返回输入字节。
func NormalizeAspect(data []byte, aspect string, maxDim int) ([]byte, error) {
	aw, ah, ok := parseAspect(aspect)
	if !ok {
		return data, nil
	}

	src, _, err := stdimage.Decode(bytes.NewReader(data))
	if err != nil {
		// 非标准编码：保留原始字节，交给下游处理
		return data, nil
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// 居中裁剪到目标比例
	cropW, cropH := w, h
	if w*ah > h*aw {
		cropW = h * aw / ah
	} else if w*ah < h*aw {
		cropH = w * ah / aw
	}
	x0 := bounds.Min.X + (w-cropW)/2
	y0 := bounds.Min.Y + (h-cropH)/2
	cropRect := stdimage.Rect(x0, y0, x0+cropW, y0+cropH)

	// 长边限制
	outW, outH := cropW, cropH
	if maxDim > 0 {
		long := outW
		if outH > long {
			long = outH
		}
		if long > maxDim {
			outW = outW * maxDim / long
			outH = outH * maxDim / long
		}
	}

	if cropW == w && cropH == h && outW == cropW && outH == cropH {
		return data, nil
	}

	dst := stdimage.NewRGBA(stdimage.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, cropRect, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode processed image: %w", err)
	}
	return buf.Bytes(), nil
}

// Placeholder 生成确定性的占位 PNG：纯色填充，颜色由关联 ID 的 FNV
// 哈希导出。相同 ID 的重复宽松运行产生逐字节一致的输出。
func Placeholder(id, aspect string) []byte {
	aw, ah, ok := parseAspect(aspect)
	if !ok {
		aw, ah = 1, 1
	}
	width := 1024
	height := width * ah / aw
	if height <= 0 {
		height = width
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	sum := h.Sum32()
	fill := color.RGBA{
		R: uint8(sum >> 16),
		G: uint8(sum >> 8),
		B: uint8(sum),
		A: 0xff,
	}

	img := stdimage.NewRGBA(stdimage.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, fill)
		}
	}

	var buf bytes.Buffer
	// 固定尺寸纯色图，编码不会失败
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
