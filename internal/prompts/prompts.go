package prompts

import "github.com/timmy/visionsearch/internal/domain"

// ============================================================================
// Embedding instructions
// ============================================================================

// TextQueryInstruction asks instruction-aware models to embed a text query so that
// it lands near the text, image or video that answers it.
const TextQueryInstruction = "Target_modality: text/image/video.\n" +
	"Instruction:根据这个问题，找到能回答这个问题的相应文本或图片或视频\n" +
	"Query:"

// ImageInstruction compresses an image into a single semantic token.
const ImageInstruction = "Instruction:Compress the image into one word.\nQuery:"

// VideoInstruction compresses a video into a single semantic token.
const VideoInstruction = "Instruction:Compress the video into one word.\nQuery:"

// InstructionFor returns the embedding instruction for an input modality.
func InstructionFor(m domain.Modality) string {
	switch m {
	case domain.ModalityImage:
		return ImageInstruction
	case domain.ModalityVideo:
		return VideoInstruction
	default:
		return TextQueryInstruction
	}
}
